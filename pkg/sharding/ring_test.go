package sharding

import (
	"fmt"
	"math"
	"testing"

	"qubedb/pkg/types"
)

func makeRing(n, replicas int) *Ring {
	r := NewRing(replicas)
	for i := 0; i < n; i++ {
		r.AddShard(types.ShardID(i))
	}
	return r
}

// each shard should own roughly 1/N of the keys
func TestRing_DistributionUniformity(t *testing.T) {
	const n = 4
	r := makeRing(n, 128)
	total := 80_000

	counts := map[types.ShardID]int{}
	for i := 0; i < total; i++ {
		id, ok := r.Locate(HashKey("users", fmt.Sprintf("key-%d", i)))
		if !ok {
			t.Fatalf("ring returned no owner for key-%d", i)
		}
		counts[id]++
	}
	ideal := float64(total) / n
	tolerance := 0.2 * ideal

	for id, c := range counts {
		if diff := math.Abs(float64(c) - ideal); diff > tolerance {
			t.Fatalf("%s: count=%d ideal=%.0f diff=%.0f > tol=%.0f", id, c, ideal, diff, tolerance)
		}
	}
}

// adding a shard should move about 1/(N+1) of the keys
func TestRing_MinimalMovementOnAdd(t *testing.T) {
	const total = 100_000
	r := makeRing(3, 128)

	before := make([]types.ShardID, total)
	for i := 0; i < total; i++ {
		before[i], _ = r.Locate(HashKey("", fmt.Sprintf("k-%d", i)))
	}

	r.AddShard(3)

	moved := 0
	for i := 0; i < total; i++ {
		now, _ := r.Locate(HashKey("", fmt.Sprintf("k-%d", i)))
		if now != before[i] {
			if now != 3 {
				t.Fatalf("key k-%d moved between old shards %s -> %s", i, before[i], now)
			}
			moved++
		}
	}
	frac := float64(moved) / total
	if frac < 0.18 || frac > 0.32 {
		t.Fatalf("moved fraction %.3f out of expected range [0.18..0.32]", frac)
	}
}

func TestRing_Deterministic(t *testing.T) {
	a := makeRing(4, 64)
	b := makeRing(4, 64)
	for i := 0; i < 5000; i++ {
		h := HashKey("c", fmt.Sprintf("x-%d", i))
		x, _ := a.Locate(h)
		y, _ := b.Locate(h)
		if x != y {
			t.Fatalf("non-deterministic owner for x-%d: %s vs %s", i, x, y)
		}
	}
}

func TestRing_EmptyLocatesNothing(t *testing.T) {
	empty := NewRing(8)
	if _, ok := empty.Locate(42); ok {
		t.Fatal("empty ring must not locate")
	}
}
