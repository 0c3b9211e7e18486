package keydir

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

type concurrentSet = skipmap.FuncMap[[]byte, Item]

// KeyDir is the in-memory ordered index from identity key to the position of
// the live record. Readers never block the single writer.
type KeyDir struct {
	underlying atomic.Pointer[concurrentSet]
	liveBytes  atomic.Int64
}

func New() *KeyDir {
	kd := &KeyDir{}
	kd.underlying.Store(newSet())
	return kd
}

func newSet() *concurrentSet {
	return skipmap.NewFunc[[]byte, Item](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

func (kd *KeyDir) Get(k []byte) (Item, bool) {
	return kd.underlying.Load().Load(k)
}

// Put stores it and returns the item it replaced, if any.
func (kd *KeyDir) Put(it Item) (Item, bool) {
	set := kd.underlying.Load()
	prev, ok := set.Load(it.Key)
	set.Store(it.Key, it)
	kd.liveBytes.Add(int64(it.Pos.Size))
	if ok {
		kd.liveBytes.Add(-int64(prev.Pos.Size))
	}
	return prev, ok
}

// Delete removes k and returns the removed item, if any.
func (kd *KeyDir) Delete(k []byte) (Item, bool) {
	prev, ok := kd.underlying.Load().LoadAndDelete(k)
	if ok {
		kd.liveBytes.Add(-int64(prev.Pos.Size))
	}
	return prev, ok
}

// RangePrefix visits items whose key starts with prefix in ascending order.
func (kd *KeyDir) RangePrefix(prefix []byte, f func(Item) bool) {
	kd.underlying.Load().Range(func(key []byte, value Item) bool {
		switch c := bytes.Compare(key[:min(len(key), len(prefix))], prefix); {
		case c < 0:
			return true
		case c > 0:
			return false
		}
		return f(value)
	})
}

// Range visits every item in ascending key order.
func (kd *KeyDir) Range(f func(Item) bool) {
	kd.underlying.Load().Range(func(_ []byte, value Item) bool {
		return f(value)
	})
}

// Sorted returns a copy of all items in key order.
func (kd *KeyDir) Sorted() []Item {
	set := kd.underlying.Load()
	result := make([]Item, 0, set.Len())
	set.Range(func(_ []byte, value Item) bool {
		result = append(result, value)
		return true
	})
	return result
}

func (kd *KeyDir) Len() int {
	return kd.underlying.Load().Len()
}

// LiveBytes is the on-disk size of all live records.
func (kd *KeyDir) LiveBytes() int64 {
	return kd.liveBytes.Load()
}

// Swap atomically replaces the contents with other's, used after compaction.
func (kd *KeyDir) Swap(other *KeyDir) {
	kd.underlying.Store(other.underlying.Load())
	kd.liveBytes.Store(other.liveBytes.Load())
}
