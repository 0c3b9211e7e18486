// Package index maintains secondary indexes derived from storage records.
// Indexes are never persisted; Rebuild re-derives them from a record scan.
package index

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
)

type Kind uint8

const (
	Ordered Kind = iota + 1
	Hash
	VectorSimilarity
)

func (k Kind) String() string {
	switch k {
	case Ordered:
		return "ordered"
	case Hash:
		return "hash"
	case VectorSimilarity:
		return "vector"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "ordered", "btree":
		return Ordered, nil
	case "hash":
		return Hash, nil
	case "vector", "vector_similarity":
		return VectorSimilarity, nil
	}
	return 0, fmt.Errorf("unknown index kind %q", s)
}

// Spec declares an index. Columns apply to Ordered and Hash indexes,
// Dimensions to VectorSimilarity ones.
type Spec struct {
	Name       string           `json:"name"`
	Namespace  record.Namespace `json:"namespace"`
	Collection string           `json:"collection"`
	Columns    []string         `json:"columns,omitempty"`
	Dimensions int              `json:"dimensions,omitempty"`
	Kind       Kind             `json:"kind"`
}

func (s Spec) validate() error {
	if s.Name == "" || s.Collection == "" {
		return fmt.Errorf("index spec: empty name or collection: %w", dberrors.ErrInvalidArgument)
	}
	if !s.Namespace.Valid() {
		return fmt.Errorf("index %s: invalid namespace: %w", s.Name, dberrors.ErrInvalidArgument)
	}
	switch s.Kind {
	case Ordered, Hash:
		if len(s.Columns) == 0 {
			return fmt.Errorf("index %s: no columns: %w", s.Name, dberrors.ErrInvalidArgument)
		}
		if s.Namespace == record.Vector {
			return fmt.Errorf("index %s: vector records have no columns: %w", s.Name, dberrors.ErrInvalidArgument)
		}
	case VectorSimilarity:
		if s.Dimensions <= 0 || s.Namespace != record.Vector {
			return fmt.Errorf("index %s: vector index needs dimensions over a vector collection: %w",
				s.Name, dberrors.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("index %s: unknown kind: %w", s.Name, dberrors.ErrInvalidArgument)
	}
	return nil
}

// Match is one vector search hit.
type Match struct {
	ID    record.Identity `json:"id"`
	Score float64         `json:"score"`
}

type index interface {
	spec() Spec
	// check reports whether rec can be inserted without changing anything.
	check(rec *record.Record) error
	insert(rec *record.Record) error
	remove(rec *record.Record)
	len() int
}

type collectionKey struct {
	ns   record.Namespace
	name string
}

// Manager owns the named indexes of a node.
type Manager struct {
	mu           sync.RWMutex
	indexes      map[string]index
	byCollection map[collectionKey][]string
	logger       *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		indexes:      make(map[string]index),
		byCollection: make(map[collectionKey][]string),
		logger:       logger.With("component", "index"),
	}
}

// Source feeds records to Rebuild and Backfill.
type Source func(fn func(*record.Record) error) error

// CreateIndex declares a new index and backfills it from src when src is not nil.
func (m *Manager) CreateIndex(spec Spec, src Source) error {
	if err := spec.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.indexes[spec.Name]; ok {
		return fmt.Errorf("index %s: %w", spec.Name, dberrors.ErrIndexExists)
	}

	var idx index
	switch spec.Kind {
	case Ordered:
		idx = newOrderedIndex(spec)
	case Hash:
		idx = newHashIndex(spec)
	case VectorSimilarity:
		idx = newVectorIndex(spec)
	}

	if src != nil {
		err := src(func(rec *record.Record) error {
			if !matches(spec, rec) {
				return nil
			}
			if err := idx.insert(rec); err != nil {
				m.logger.Warn("record skipped during backfill", "index", spec.Name, "id", rec.ID.String(), "error", err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("index %s: backfill: %w", spec.Name, err)
		}
	}

	m.indexes[spec.Name] = idx
	ck := collectionKey{spec.Namespace, spec.Collection}
	m.byCollection[ck] = append(m.byCollection[ck], spec.Name)
	m.logger.Info("index created", "name", spec.Name, "kind", spec.Kind.String(), "entries", idx.len())
	return nil
}

func (m *Manager) DropIndex(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[name]
	if !ok {
		return fmt.Errorf("index %s: %w", name, dberrors.ErrIndexNotFound)
	}
	delete(m.indexes, name)

	spec := idx.spec()
	ck := collectionKey{spec.Namespace, spec.Collection}
	names := m.byCollection[ck][:0]
	for _, n := range m.byCollection[ck] {
		if n != name {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		delete(m.byCollection, ck)
	} else {
		m.byCollection[ck] = names
	}
	m.logger.Info("index dropped", "name", name)
	return nil
}

func (m *Manager) Spec(name string) (Spec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[name]
	if !ok {
		return Spec{}, false
	}
	return idx.spec(), true
}

// List returns every index spec sorted by name.
func (m *Manager) List() []Spec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Spec, 0, len(m.indexes))
	for _, idx := range m.indexes {
		out = append(out, idx.spec())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func matches(spec Spec, rec *record.Record) bool {
	return rec != nil && rec.ID.Namespace == spec.Namespace && rec.ID.Collection == spec.Collection
}

func (m *Manager) collectionIndexes(ns record.Namespace, collection string) []index {
	names := m.byCollection[collectionKey{ns, collection}]
	out := make([]index, 0, len(names))
	for _, n := range names {
		out = append(out, m.indexes[n])
	}
	return out
}

// Validate reports whether rec fits every index of its collection, without
// modifying anything.
func (m *Manager) Validate(rec *record.Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, idx := range m.collectionIndexes(rec.ID.Namespace, rec.ID.Collection) {
		if err := idx.check(rec); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds rec to every index of its collection. If any index rejects the
// record, no index is changed.
func (m *Manager) Insert(rec *record.Record) error {
	return m.Replace(nil, rec)
}

// Remove drops rec from every index of its collection.
func (m *Manager) Remove(rec *record.Record) {
	_ = m.Replace(rec, nil)
}

// Replace swaps prev for next in the indexes; either may be nil.
func (m *Manager) Replace(prev, next *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next != nil {
		for _, idx := range m.collectionIndexes(next.ID.Namespace, next.ID.Collection) {
			if err := idx.check(next); err != nil {
				return err
			}
		}
	}
	if prev != nil {
		for _, idx := range m.collectionIndexes(prev.ID.Namespace, prev.ID.Collection) {
			idx.remove(prev)
		}
	}
	if next != nil {
		for _, idx := range m.collectionIndexes(next.ID.Namespace, next.ID.Collection) {
			if err := idx.insert(next); err != nil {
				return err
			}
		}
	}
	return nil
}

// DropCollection removes every entry belonging to the collection, keeping the
// index declarations.
func (m *Manager) DropCollection(ns record.Namespace, collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, idx := range m.collectionIndexes(ns, collection) {
		m.indexes[idx.spec().Name] = fresh(idx.spec())
	}
}

func fresh(spec Spec) index {
	switch spec.Kind {
	case Ordered:
		return newOrderedIndex(spec)
	case Hash:
		return newHashIndex(spec)
	default:
		return newVectorIndex(spec)
	}
}

// Rebuild clears every index and re-derives it from src.
func (m *Manager) Rebuild(src Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, idx := range m.indexes {
		m.indexes[name] = fresh(idx.spec())
	}
	n := 0
	err := src(func(rec *record.Record) error {
		for _, idx := range m.collectionIndexes(rec.ID.Namespace, rec.ID.Collection) {
			if err := idx.insert(rec); err != nil {
				m.logger.Warn("record skipped during rebuild", "index", idx.spec().Name, "id", rec.ID.String(), "error", err)
			}
		}
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("index rebuild: %w", err)
	}
	m.logger.Info("indexes rebuilt", "indexes", len(m.indexes), "records", n)
	return nil
}

func (m *Manager) get(name string) (index, error) {
	idx, ok := m.indexes[name]
	if !ok {
		return nil, fmt.Errorf("index %s: %w", name, dberrors.ErrIndexNotFound)
	}
	return idx, nil
}

// Lookup returns the identities whose indexed columns equal tuple exactly.
func (m *Manager) Lookup(name string, tuple []any) ([]record.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, err := m.get(name)
	if err != nil {
		return nil, err
	}
	switch x := idx.(type) {
	case *orderedIndex:
		return x.lookup(tuple)
	case *hashIndex:
		return x.lookup(tuple)
	default:
		return nil, fmt.Errorf("index %s: lookup on %s index: %w", name, idx.spec().Kind, dberrors.ErrInvalidArgument)
	}
}

// RangeSearch returns identities with start <= tuple < end in ascending order.
// A nil bound is open.
func (m *Manager) RangeSearch(name string, start, end []any) ([]record.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, err := m.get(name)
	if err != nil {
		return nil, err
	}
	ord, ok := idx.(*orderedIndex)
	if !ok {
		return nil, fmt.Errorf("index %s: range search on %s index: %w", name, idx.spec().Kind, dberrors.ErrInvalidArgument)
	}
	return ord.rangeSearch(start, end)
}

// Search returns the k records most similar to query.
func (m *Manager) Search(name string, query []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, err := m.get(name)
	if err != nil {
		return nil, err
	}
	vec, ok := idx.(*vectorIndex)
	if !ok {
		return nil, fmt.Errorf("index %s: similarity search on %s index: %w", name, idx.spec().Kind, dberrors.ErrInvalidArgument)
	}
	return vec.search(query, k)
}

// Len returns the number of entries of an index.
func (m *Manager) Len(name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, err := m.get(name)
	if err != nil {
		return 0, err
	}
	return idx.len(), nil
}
