package index

import (
	"bytes"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
)

// vectorIndex is an exact (brute force) cosine similarity index. Results are
// ordered by descending score, ties by identity, so a fixed index state and
// query always give the same answer.
type vectorIndex struct {
	s       Spec
	vectors map[string]vectorEntry
}

type vectorEntry struct {
	id   record.Identity
	unit []float64
}

func newVectorIndex(spec Spec) *vectorIndex {
	return &vectorIndex{s: spec, vectors: make(map[string]vectorEntry)}
}

func (v *vectorIndex) spec() Spec { return v.s }
func (v *vectorIndex) len() int   { return len(v.vectors) }

func (v *vectorIndex) check(rec *record.Record) error {
	if len(rec.Vector) != v.s.Dimensions {
		return fmt.Errorf("index %s: got %d dimensions, want %d: %w",
			v.s.Name, len(rec.Vector), v.s.Dimensions, dberrors.ErrDimensionMismatch)
	}
	if err := record.CheckVector(rec.Vector); err != nil {
		return fmt.Errorf("index %s: %w: %v", v.s.Name, dberrors.ErrInvalidArgument, err)
	}
	return nil
}

func (v *vectorIndex) insert(rec *record.Record) error {
	if err := v.check(rec); err != nil {
		return err
	}
	v.vectors[string(rec.ID.Bytes())] = vectorEntry{id: rec.ID, unit: unit(rec.Vector)}
	return nil
}

func (v *vectorIndex) remove(rec *record.Record) {
	delete(v.vectors, string(rec.ID.Bytes()))
}

// unit returns vec as a float64 unit vector; the zero vector stays zero.
func unit(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, f := range vec {
		out[i] = float64(f)
	}
	if n := floats.Norm(out, 2); n > 0 {
		floats.Scale(1/n, out)
	}
	return out
}

func (v *vectorIndex) search(query []float32, k int) ([]Match, error) {
	if len(query) != v.s.Dimensions {
		return nil, fmt.Errorf("index %s: query has %d dimensions, want %d: %w",
			v.s.Name, len(query), v.s.Dimensions, dberrors.ErrDimensionMismatch)
	}
	if err := record.CheckVector(query); err != nil {
		return nil, fmt.Errorf("index %s: query: %w: %v", v.s.Name, dberrors.ErrInvalidArgument, err)
	}
	if k <= 0 {
		return nil, nil
	}
	q := unit(query)

	matches := make([]Match, 0, len(v.vectors))
	for _, e := range v.vectors {
		matches = append(matches, Match{ID: e.id, Score: floats.Dot(q, e.unit)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return bytes.Compare(matches[i].ID.Bytes(), matches[j].ID.Bytes()) < 0
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func sortIdentities(ids []record.Identity) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i].Bytes(), ids[j].Bytes()) < 0
	})
}
