package index

import (
	"bytes"
	"fmt"

	"github.com/zhangyunhao116/skipmap"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
)

// tupleOf extracts the indexed columns of rec. Missing columns index as null.
func tupleOf(spec Spec, rec *record.Record) []any {
	tuple := make([]any, len(spec.Columns))
	for i, c := range spec.Columns {
		switch c {
		case "_key":
			tuple[i] = rec.ID.Key
		case "_from":
			tuple[i] = rec.From
		case "_to":
			tuple[i] = rec.To
		default:
			tuple[i] = rec.Fields[c]
		}
	}
	return tuple
}

func (s Spec) encode(tuple []any) ([]byte, error) {
	if len(tuple) > len(s.Columns) {
		return nil, fmt.Errorf("index %s: tuple has %d values for %d columns: %w",
			s.Name, len(tuple), len(s.Columns), dberrors.ErrInvalidArgument)
	}
	key, err := EncodeTuple(tuple)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w: %v", s.Name, dberrors.ErrInvalidArgument, err)
	}
	return key, nil
}

// orderedIndex keys entries by encoded tuple followed by the identity bytes,
// so equal tuples sort by identity and any tuple prefix is a key prefix.
type orderedIndex struct {
	s       Spec
	entries *skipmap.FuncMap[[]byte, record.Identity]
}

func newOrderedIndex(spec Spec) *orderedIndex {
	return &orderedIndex{
		s: spec,
		entries: skipmap.NewFunc[[]byte, record.Identity](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (o *orderedIndex) spec() Spec { return o.s }
func (o *orderedIndex) len() int   { return o.entries.Len() }

func (o *orderedIndex) entryKey(rec *record.Record) ([]byte, error) {
	key, err := o.s.encode(tupleOf(o.s, rec))
	if err != nil {
		return nil, err
	}
	return append(key, rec.ID.Bytes()...), nil
}

func (o *orderedIndex) check(rec *record.Record) error {
	_, err := o.entryKey(rec)
	return err
}

func (o *orderedIndex) insert(rec *record.Record) error {
	key, err := o.entryKey(rec)
	if err != nil {
		return err
	}
	o.entries.Store(key, rec.ID)
	return nil
}

func (o *orderedIndex) remove(rec *record.Record) {
	if key, err := o.entryKey(rec); err == nil {
		o.entries.Delete(key)
	}
}

func (o *orderedIndex) lookup(tuple []any) ([]record.Identity, error) {
	if len(tuple) != len(o.s.Columns) {
		return nil, fmt.Errorf("index %s: exact lookup needs %d values: %w",
			o.s.Name, len(o.s.Columns), dberrors.ErrInvalidArgument)
	}
	prefix, err := o.s.encode(tuple)
	if err != nil {
		return nil, err
	}
	var out []record.Identity
	o.entries.Range(func(key []byte, id record.Identity) bool {
		switch c := bytes.Compare(key[:min(len(key), len(prefix))], prefix); {
		case c < 0:
			return true
		case c > 0:
			return false
		}
		out = append(out, id)
		return true
	})
	return out, nil
}

func (o *orderedIndex) rangeSearch(start, end []any) ([]record.Identity, error) {
	var lo, hi []byte
	var err error
	if start != nil {
		if lo, err = o.s.encode(start); err != nil {
			return nil, err
		}
	}
	if end != nil {
		if hi, err = o.s.encode(end); err != nil {
			return nil, err
		}
	}

	var out []record.Identity
	o.entries.Range(func(key []byte, id record.Identity) bool {
		if lo != nil && bytes.Compare(key, lo) < 0 {
			return true
		}
		if hi != nil && bytes.Compare(key, hi) >= 0 {
			return false
		}
		out = append(out, id)
		return true
	})
	return out, nil
}
