package record

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"qubedb/pkg/dberrors"
)

func roundTrip(t *testing.T, r *Record) *Record {
	t.Helper()
	require.NoError(t, r.Validate())
	data, err := EncodePayload(r)
	require.NoError(t, err)
	got, err := DecodePayload(r.ID, data)
	require.NoError(t, err)
	return got
}

func TestRoundTrip_Row(t *testing.T) {
	r := NewRow("users", "user:42", map[string]any{
		"name":   "Ada",
		"age":    int64(36),
		"score":  99.5,
		"active": true,
		"tags":   []any{"a", int64(1)},
		"addr":   map[string]any{"city": "London"},
		"none":   nil,
	})
	got := roundTrip(t, r)
	require.Equal(t, r.Fields, got.Fields)
}

func TestRoundTrip_RowNormalisesNumbers(t *testing.T) {
	r := NewRow("users", "u", map[string]any{"n": 7, "f": float32(0.5)})
	got := roundTrip(t, r)
	require.Equal(t, int64(7), got.Fields["n"])
	require.Equal(t, float64(0.5), got.Fields["f"])
}

func TestRoundTrip_VectorExact(t *testing.T) {
	r := NewVector("emb", "v1", []float32{0.1, -2.5, 3.14159, 0, 1e-30})
	got := roundTrip(t, r)
	require.Len(t, got.Vector, len(r.Vector))
	for i := range r.Vector {
		if got.Vector[i] != r.Vector[i] {
			t.Fatalf("component %d: got %v want %v", i, got.Vector[i], r.Vector[i])
		}
	}
}

func TestRoundTrip_Edge(t *testing.T) {
	r := NewEdge("social", "alice", "bob", map[string]any{"since": int64(2020)})
	got := roundTrip(t, r)
	require.Equal(t, "alice", got.From)
	require.Equal(t, "bob", got.To)
	require.Equal(t, r.Fields, got.Fields)
	require.Equal(t, EdgeKey("alice", "bob"), got.ID.Key)
}

func TestEdgeKey_Unambiguous(t *testing.T) {
	require.NotEqual(t, EdgeKey("a->b", "c"), EdgeKey("a", "b->c"))
}

func TestDecode_Corrupt(t *testing.T) {
	id := Identity{Namespace: Vector, Collection: "emb", Key: "v"}
	_, err := DecodePayload(id, []byte{3, 0, 0, 0, 1, 2})
	if !errors.Is(err, dberrors.ErrCorrupt) {
		t.Fatalf("want ErrCorrupt, got %v", err)
	}

	id.Namespace = Row
	_, err = DecodePayload(id, []byte{0xc1})
	require.ErrorIs(t, err, dberrors.ErrCorrupt)
}

func TestIdentity_BytesRoundTrip(t *testing.T) {
	id := Identity{Namespace: GraphNode, Collection: "g", Key: "n:1"}
	got, err := ParseIdentity(id.Bytes())
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.True(t, len(id.Bytes()) > len(CollectionPrefix(GraphNode, "g")))
}

func TestValidate(t *testing.T) {
	require.Error(t, (&Record{ID: Identity{Namespace: Row, Collection: "t"}}).Validate())
	require.Error(t, NewVector("c", "k", nil).Validate())
	bad := NewEdge("g", "a", "b", nil)
	bad.To = "c"
	require.Error(t, bad.Validate())
}

func TestValidate_NonFiniteVector(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	for _, vec := range [][]float32{{nan, 1}, {1, inf}, {-inf, 0}} {
		require.Error(t, NewVector("emb", "v", vec).Validate())
		require.Error(t, CheckVector(vec))
	}
	require.NoError(t, NewVector("emb", "v", []float32{0, -1.5}).Validate())
}
