// Package record defines the multi-model record vocabulary shared by the
// storage engine, the index manager and the replication log.
package record

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"strings"
)

// Namespace discriminates the record kind.
type Namespace uint8

const (
	Row Namespace = iota + 1
	Document
	Vector
	GraphNode
	GraphEdge
)

var namespaceNames = map[Namespace]string{
	Row:       "row",
	Document:  "document",
	Vector:    "vector",
	GraphNode: "node",
	GraphEdge: "edge",
}

func (ns Namespace) String() string {
	if name, ok := namespaceNames[ns]; ok {
		return name
	}
	return fmt.Sprintf("namespace(%d)", uint8(ns))
}

func (ns Namespace) Valid() bool {
	_, ok := namespaceNames[ns]
	return ok
}

// ParseNamespace accepts the names produced by Namespace.String.
func ParseNamespace(s string) (Namespace, error) {
	for ns, name := range namespaceNames {
		if strings.EqualFold(name, s) {
			return ns, nil
		}
	}
	return 0, fmt.Errorf("unknown namespace %q", s)
}

// Identity is unique within a shard.
type Identity struct {
	Namespace  Namespace `msgpack:"ns" json:"namespace"`
	Collection string    `msgpack:"c" json:"collection"`
	Key        string    `msgpack:"k" json:"key"`
}

func (id Identity) String() string {
	return id.Namespace.String() + ":" + id.Collection + ":" + id.Key
}

// Bytes is the binary identity key: ns | collection | 0x00 | key.
// Keys of one collection share a prefix and sort by key.
func (id Identity) Bytes() []byte {
	buf := make([]byte, 0, 2+len(id.Collection)+len(id.Key))
	buf = append(buf, byte(id.Namespace))
	buf = append(buf, id.Collection...)
	buf = append(buf, 0)
	buf = append(buf, id.Key...)
	return buf
}

// CollectionPrefix returns the prefix shared by every identity of a collection.
func CollectionPrefix(ns Namespace, collection string) []byte {
	buf := make([]byte, 0, 2+len(collection))
	buf = append(buf, byte(ns))
	buf = append(buf, collection...)
	return append(buf, 0)
}

func ParseIdentity(b []byte) (Identity, error) {
	if len(b) < 2 {
		return Identity{}, fmt.Errorf("identity too short: %d bytes", len(b))
	}
	ns := Namespace(b[0])
	if !ns.Valid() {
		return Identity{}, fmt.Errorf("identity: bad namespace %d", b[0])
	}
	sep := bytes.IndexByte(b[1:], 0)
	if sep < 0 {
		return Identity{}, fmt.Errorf("identity: missing separator")
	}
	return Identity{
		Namespace:  ns,
		Collection: string(b[1 : 1+sep]),
		Key:        string(b[2+sep:]),
	}, nil
}

// EdgeKey builds the key of a graph edge from its endpoints.
func EdgeKey(from, to string) string {
	return url.PathEscape(from) + "->" + url.PathEscape(to)
}

// Record is a tagged union over the namespaces. Which fields are meaningful
// depends on ID.Namespace: Fields for Row, Document, GraphNode and GraphEdge,
// Vector for Vector, From and To for GraphEdge.
type Record struct {
	ID     Identity       `msgpack:"id" json:"id"`
	Fields map[string]any `msgpack:"f,omitempty" json:"fields,omitempty"`
	Vector []float32      `msgpack:"v,omitempty" json:"vector,omitempty"`
	From   string         `msgpack:"from,omitempty" json:"from,omitempty"`
	To     string         `msgpack:"to,omitempty" json:"to,omitempty"`
}

func NewRow(collection, key string, fields map[string]any) *Record {
	return &Record{ID: Identity{Namespace: Row, Collection: collection, Key: key}, Fields: fields}
}

func NewDocument(collection, key string, fields map[string]any) *Record {
	return &Record{ID: Identity{Namespace: Document, Collection: collection, Key: key}, Fields: fields}
}

func NewVector(collection, key string, vec []float32) *Record {
	return &Record{ID: Identity{Namespace: Vector, Collection: collection, Key: key}, Vector: vec}
}

func NewNode(graph, key string, fields map[string]any) *Record {
	return &Record{ID: Identity{Namespace: GraphNode, Collection: graph, Key: key}, Fields: fields}
}

func NewEdge(graph, from, to string, fields map[string]any) *Record {
	return &Record{
		ID:     Identity{Namespace: GraphEdge, Collection: graph, Key: EdgeKey(from, to)},
		Fields: fields,
		From:   from,
		To:     to,
	}
}

// CheckVector rejects vectors holding NaN or infinite components.
func CheckVector(vec []float32) error {
	for i, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("vector component %d is %v", i, f)
		}
	}
	return nil
}

// Validate checks that the payload matches the namespace shape.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("nil record")
	}
	if !r.ID.Namespace.Valid() {
		return fmt.Errorf("record %s: invalid namespace", r.ID)
	}
	if r.ID.Collection == "" || r.ID.Key == "" {
		return fmt.Errorf("record %s: empty collection or key", r.ID)
	}
	if strings.IndexByte(r.ID.Collection, 0) >= 0 {
		return fmt.Errorf("record %s: collection contains NUL", r.ID)
	}
	switch r.ID.Namespace {
	case Vector:
		if len(r.Vector) == 0 {
			return fmt.Errorf("record %s: empty vector", r.ID)
		}
		if err := CheckVector(r.Vector); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
	case GraphEdge:
		if r.From == "" || r.To == "" {
			return fmt.Errorf("record %s: edge without endpoints", r.ID)
		}
		if r.ID.Key != EdgeKey(r.From, r.To) {
			return fmt.Errorf("record %s: key does not match endpoints", r.ID)
		}
	}
	return nil
}
