package sharding

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"

	"qubedb/pkg/types"
)

// Ring is a consistent-hash ring of shards with virtual nodes. Each shard
// owns `replicas` tokens; a hash belongs to the shard owning the first token
// at or after it, wrapping around.
type Ring struct {
	replicas int
	tokens   []uint64 // sorted
	owners   map[uint64]types.ShardID
	mu       sync.RWMutex
}

func NewRing(replicas int) *Ring {
	if replicas < 1 {
		replicas = 1
	}
	return &Ring{
		replicas: replicas,
		owners:   make(map[uint64]types.ShardID),
	}
}

func token(id types.ShardID, v int) uint64 {
	return murmur3.Sum64([]byte(fmt.Sprintf("shard-%d#%d", uint32(id), v)))
}

func (r *Ring) AddShard(id types.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for v := 0; v < r.replicas; v++ {
		t := token(id, v)
		if _, taken := r.owners[t]; taken {
			// a 64-bit collision; the earlier owner keeps the token
			continue
		}
		r.owners[t] = id
		r.tokens = append(r.tokens, t)
	}
	sort.Slice(r.tokens, func(i, j int) bool { return r.tokens[i] < r.tokens[j] })
}

// Locate returns the shard owning hash.
func (r *Ring) Locate(hash uint64) (types.ShardID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.tokens) == 0 {
		return 0, false
	}
	idx := sort.Search(len(r.tokens), func(i int) bool { return r.tokens[i] >= hash })
	if idx == len(r.tokens) {
		idx = 0
	}
	return r.owners[r.tokens[idx]], true
}
