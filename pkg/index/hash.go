package index

import (
	"fmt"

	"github.com/zhangyunhao116/skipset"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
)

// hashIndex buckets identities by their encoded tuple. Each bucket is an
// ordered set of identity keys, so lookups come back sorted.
type hashIndex struct {
	s       Spec
	buckets map[string]*skipset.OrderedSet[string]
	n       int
}

func newHashIndex(spec Spec) *hashIndex {
	return &hashIndex{s: spec, buckets: make(map[string]*skipset.OrderedSet[string])}
}

func (h *hashIndex) spec() Spec { return h.s }
func (h *hashIndex) len() int   { return h.n }

func (h *hashIndex) check(rec *record.Record) error {
	_, err := h.s.encode(tupleOf(h.s, rec))
	return err
}

func (h *hashIndex) insert(rec *record.Record) error {
	key, err := h.s.encode(tupleOf(h.s, rec))
	if err != nil {
		return err
	}
	bucket, ok := h.buckets[string(key)]
	if !ok {
		bucket = skipset.New[string]()
		h.buckets[string(key)] = bucket
	}
	if bucket.Add(string(rec.ID.Bytes())) {
		h.n++
	}
	return nil
}

func (h *hashIndex) remove(rec *record.Record) {
	key, err := h.s.encode(tupleOf(h.s, rec))
	if err != nil {
		return
	}
	bucket, ok := h.buckets[string(key)]
	if !ok {
		return
	}
	if bucket.Remove(string(rec.ID.Bytes())) {
		h.n--
	}
	if bucket.Len() == 0 {
		delete(h.buckets, string(key))
	}
}

func (h *hashIndex) lookup(tuple []any) ([]record.Identity, error) {
	if len(tuple) != len(h.s.Columns) {
		return nil, fmt.Errorf("index %s: exact lookup needs %d values: %w",
			h.s.Name, len(h.s.Columns), dberrors.ErrInvalidArgument)
	}
	key, err := h.s.encode(tuple)
	if err != nil {
		return nil, err
	}
	bucket, ok := h.buckets[string(key)]
	if !ok {
		return []record.Identity{}, nil
	}
	out := make([]record.Identity, 0, bucket.Len())
	var perr error
	bucket.Range(func(raw string) bool {
		id, err := record.ParseIdentity([]byte(raw))
		if err != nil {
			perr = err
			return false
		}
		out = append(out, id)
		return true
	})
	return out, perr
}
