package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"qubedb/pkg/dberrors"
)

const vectorHeaderSize = 4

type edgePayload struct {
	From   string         `msgpack:"from"`
	To     string         `msgpack:"to"`
	Fields map[string]any `msgpack:"f,omitempty"`
}

// Marshal encodes v with msgpack. Field maps are normalised first so that
// Unmarshal yields the same Go types back.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes msgpack with loose interface decoding: integers come back
// as int64 (or uint64 above MaxInt64) and floats as float64.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// EncodePayload encodes the namespace-specific part of r.
func EncodePayload(r *Record) ([]byte, error) {
	switch r.ID.Namespace {
	case Row, Document, GraphNode:
		return Marshal(NormalizeFields(r.Fields))
	case Vector:
		return encodeVector(r.Vector), nil
	case GraphEdge:
		return Marshal(edgePayload{From: r.From, To: r.To, Fields: NormalizeFields(r.Fields)})
	default:
		return nil, fmt.Errorf("encode %s: %w", r.ID, dberrors.ErrInvalidArgument)
	}
}

// DecodePayload rebuilds a record from its identity and stored bytes.
// Bytes that do not fit the namespace shape yield dberrors.ErrCorrupt.
func DecodePayload(id Identity, data []byte) (*Record, error) {
	rec := &Record{ID: id}
	switch id.Namespace {
	case Row, Document, GraphNode:
		var fields map[string]any
		if err := Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("decode %s: %w: %v", id, dberrors.ErrCorrupt, err)
		}
		rec.Fields = NormalizeFields(fields)
	case Vector:
		vec, err := decodeVector(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w: %v", id, dberrors.ErrCorrupt, err)
		}
		rec.Vector = vec
	case GraphEdge:
		var p edgePayload
		if err := Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w: %v", id, dberrors.ErrCorrupt, err)
		}
		if p.From == "" || p.To == "" {
			return nil, fmt.Errorf("decode %s: %w: edge without endpoints", id, dberrors.ErrCorrupt)
		}
		rec.From, rec.To, rec.Fields = p.From, p.To, NormalizeFields(p.Fields)
	default:
		return nil, fmt.Errorf("decode %s: %w: unknown namespace", id, dberrors.ErrCorrupt)
	}
	return rec, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, vectorHeaderSize+4*len(vec))
	binary.LittleEndian.PutUint32(buf, uint32(len(vec)))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[vectorHeaderSize+4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) < vectorHeaderSize {
		return nil, fmt.Errorf("vector header truncated")
	}
	dim := binary.LittleEndian.Uint32(data)
	if uint64(len(data)-vectorHeaderSize) != uint64(dim)*4 {
		return nil, fmt.Errorf("vector dim %d does not match %d payload bytes", dim, len(data)-vectorHeaderSize)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[vectorHeaderSize+4*i:]))
	}
	return vec, nil
}

// NormalizeFields converts numeric values to int64 / float64 and recurses into
// nested maps and slices, matching what Unmarshal produces.
func NormalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return int64(x)
		}
		return uint64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case float32:
		return float64(x)
	case map[string]any:
		return NormalizeFields(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeValue(x[i])
		}
		return out
	default:
		return v
	}
}
