package index

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
)

func users() []*record.Record {
	return []*record.Record{
		record.NewRow("users", "u1", map[string]any{"city": "Berlin", "age": int64(31)}),
		record.NewRow("users", "u2", map[string]any{"city": "Amsterdam", "age": int64(25)}),
		record.NewRow("users", "u3", map[string]any{"city": "Berlin", "age": int64(25)}),
		record.NewRow("users", "u4", map[string]any{"city": "Cairo", "age": int64(40)}),
		record.NewRow("users", "u5", map[string]any{"age": int64(19)}),
	}
}

func sliceSource(recs []*record.Record) Source {
	return func(fn func(*record.Record) error) error {
		for _, r := range recs {
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	}
}

func keys(ids []record.Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Key
	}
	return out
}

func TestManager_CreateDrop(t *testing.T) {
	m := NewManager(nil)
	spec := Spec{Name: "by_city", Namespace: record.Row, Collection: "users", Columns: []string{"city"}, Kind: Hash}

	require.NoError(t, m.CreateIndex(spec, nil))
	require.ErrorIs(t, m.CreateIndex(spec, nil), dberrors.ErrIndexExists)
	require.NoError(t, m.DropIndex("by_city"))
	require.ErrorIs(t, m.DropIndex("by_city"), dberrors.ErrIndexNotFound)
	_, err := m.Lookup("by_city", []any{"Berlin"})
	require.ErrorIs(t, err, dberrors.ErrIndexNotFound)
}

func TestHashIndex_Lookup(t *testing.T) {
	m := NewManager(nil)
	spec := Spec{Name: "by_city", Namespace: record.Row, Collection: "users", Columns: []string{"city"}, Kind: Hash}
	require.NoError(t, m.CreateIndex(spec, sliceSource(users())))

	ids, err := m.Lookup("by_city", []any{"Berlin"})
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u3"}, keys(ids))

	ids, err = m.Lookup("by_city", []any{nil})
	require.NoError(t, err)
	require.Equal(t, []string{"u5"}, keys(ids))

	_, err = m.RangeSearch("by_city", nil, nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestOrderedIndex_RangeHalfOpenAscending(t *testing.T) {
	m := NewManager(nil)
	spec := Spec{Name: "by_age", Namespace: record.Row, Collection: "users", Columns: []string{"age"}, Kind: Ordered}
	require.NoError(t, m.CreateIndex(spec, sliceSource(users())))

	ids, err := m.RangeSearch("by_age", []any{25}, []any{40})
	require.NoError(t, err)
	require.Equal(t, []string{"u2", "u3", "u1"}, keys(ids))

	ids, err = m.RangeSearch("by_age", nil, []any{25})
	require.NoError(t, err)
	require.Equal(t, []string{"u5"}, keys(ids))

	ids, err = m.RangeSearch("by_age", []any{31.5}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"u4"}, keys(ids))

	ids, err = m.Lookup("by_age", []any{int64(25)})
	require.NoError(t, err)
	require.Equal(t, []string{"u2", "u3"}, keys(ids))
}

func TestOrderedIndex_CompositePrefixRange(t *testing.T) {
	m := NewManager(nil)
	spec := Spec{Name: "city_age", Namespace: record.Row, Collection: "users", Columns: []string{"city", "age"}, Kind: Ordered}
	require.NoError(t, m.CreateIndex(spec, sliceSource(users())))

	// every Berlin entry, ordered by age
	ids, err := m.RangeSearch("city_age", []any{"Berlin"}, []any{"Berlin\x00"})
	require.NoError(t, err)
	require.Equal(t, []string{"u3", "u1"}, keys(ids))
}

func TestManager_UpdateAndRemove(t *testing.T) {
	m := NewManager(nil)
	spec := Spec{Name: "by_city", Namespace: record.Row, Collection: "users", Columns: []string{"city"}, Kind: Ordered}
	require.NoError(t, m.CreateIndex(spec, nil))

	old := record.NewRow("users", "u1", map[string]any{"city": "Berlin"})
	require.NoError(t, m.Insert(old))
	updated := record.NewRow("users", "u1", map[string]any{"city": "Paris"})
	require.NoError(t, m.Replace(old, updated))

	ids, _ := m.Lookup("by_city", []any{"Berlin"})
	require.Empty(t, ids)
	ids, _ = m.Lookup("by_city", []any{"Paris"})
	require.Equal(t, []string{"u1"}, keys(ids))

	m.Remove(updated)
	n, err := m.Len("by_city")
	require.NoError(t, err)
	require.Zero(t, n)

	// other collections are not indexed
	require.NoError(t, m.Insert(record.NewRow("orders", "o1", map[string]any{"city": "Paris"})))
	n, _ = m.Len("by_city")
	require.Zero(t, n)
}

func TestVectorIndex_DimensionMismatchLeavesIndexUnchanged(t *testing.T) {
	m := NewManager(nil)
	spec := Spec{Name: "emb", Namespace: record.Vector, Collection: "docs", Dimensions: 3, Kind: VectorSimilarity}
	require.NoError(t, m.CreateIndex(spec, nil))
	require.NoError(t, m.Insert(record.NewVector("docs", "a", []float32{1, 0, 0})))

	err := m.Insert(record.NewVector("docs", "b", []float32{1, 0}))
	require.ErrorIs(t, err, dberrors.ErrDimensionMismatch)
	require.ErrorIs(t, m.Validate(record.NewVector("docs", "b", []float32{1, 0, 0, 0})), dberrors.ErrDimensionMismatch)

	n, _ := m.Len("emb")
	require.Equal(t, 1, n)
	res, err := m.Search("emb", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "a", res[0].ID.Key)

	// a failed replacement keeps the old vector too
	err = m.Replace(record.NewVector("docs", "a", []float32{1, 0, 0}), record.NewVector("docs", "a", []float32{1}))
	require.ErrorIs(t, err, dberrors.ErrDimensionMismatch)
	n, _ = m.Len("emb")
	require.Equal(t, 1, n)
}

func TestVectorIndex_SearchDeterministic(t *testing.T) {
	m := NewManager(nil)
	spec := Spec{Name: "emb", Namespace: record.Vector, Collection: "docs", Dimensions: 2, Kind: VectorSimilarity}
	require.NoError(t, m.CreateIndex(spec, nil))

	vecs := map[string][]float32{
		"east":      {1, 0},
		"east-long": {10, 0},
		"north":     {0, 1},
		"northeast": {1, 1},
		"west":      {-1, 0},
		"zero":      {0, 0},
	}
	for k, v := range vecs {
		require.NoError(t, m.Insert(record.NewVector("docs", k, v)))
	}

	first, err := m.Search("emb", []float32{2, 0.1}, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"east", "east-long", "northeast"}, []string{first[0].ID.Key, first[1].ID.Key, first[2].ID.Key})
	require.InDelta(t, first[0].Score, first[1].Score, 1e-12)

	for i := 0; i < 10; i++ {
		again, err := m.Search("emb", []float32{2, 0.1}, 3)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	_, err = m.Search("emb", []float32{1}, 1)
	require.ErrorIs(t, err, dberrors.ErrDimensionMismatch)
}

func TestVectorIndex_RejectsNonFinite(t *testing.T) {
	m := NewManager(nil)
	spec := Spec{Name: "emb", Namespace: record.Vector, Collection: "docs", Dimensions: 2, Kind: VectorSimilarity}
	require.NoError(t, m.CreateIndex(spec, nil))
	for i := 0; i < 8; i++ {
		require.NoError(t, m.Insert(record.NewVector("docs", fmt.Sprintf("v%02d", i), []float32{float32(i), 1})))
	}
	nan := float32(math.NaN())

	require.ErrorIs(t, m.Insert(record.NewVector("docs", "bad", []float32{nan, 1})), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, m.Validate(record.NewVector("docs", "bad", []float32{1, float32(math.Inf(-1))})),
		dberrors.ErrInvalidArgument)
	n, _ := m.Len("emb")
	require.Equal(t, 8, n)

	_, err := m.Search("emb", []float32{1, nan}, 3)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	first, err := m.Search("emb", []float32{1, 0}, 3)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := m.Search("emb", []float32{1, 0}, 3)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestManager_Rebuild(t *testing.T) {
	m := NewManager(nil)
	spec := Spec{Name: "by_age", Namespace: record.Row, Collection: "users", Columns: []string{"age"}, Kind: Ordered}
	require.NoError(t, m.CreateIndex(spec, nil))
	require.NoError(t, m.Insert(record.NewRow("users", "ghost", map[string]any{"age": int64(99)})))

	require.NoError(t, m.Rebuild(sliceSource(users())))
	n, _ := m.Len("by_age")
	require.Equal(t, 5, n)
	ids, _ := m.Lookup("by_age", []any{int64(99)})
	require.Empty(t, ids)
}

func TestEncodeTuple_Order(t *testing.T) {
	ordered := [][]any{
		{nil},
		{false},
		{true},
		{-1e9},
		{-1},
		{0},
		{0.5},
		{int64(2)},
		{1e12},
		{""},
		{"a"},
		{"a", 1},
		{"a\x00"},
		{"ab"},
		{"b"},
		{[]byte{0}},
	}
	var prev []byte
	for i, tuple := range ordered {
		enc, err := EncodeTuple(tuple)
		require.NoError(t, err)
		if i > 0 {
			require.Negative(t, bytes.Compare(prev, enc), fmt.Sprintf("%v should sort before %v", ordered[i-1], tuple))
		}
		prev = enc
	}

	_, err := EncodeTuple([]any{map[string]any{}})
	require.Error(t, err)
}
