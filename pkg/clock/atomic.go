// Package clock hands out record sequence numbers for one storage engine.
package clock

import (
	"sync/atomic"

	"qubedb/pkg/types"
)

type Sequence struct {
	v atomic.Uint64
}

func NewSequence(start types.SequenceNumber) *Sequence {
	var s Sequence
	s.v.Store(uint64(start))
	return &s
}

func (s *Sequence) Current() types.SequenceNumber {
	return types.SequenceNumber(s.v.Load())
}

func (s *Sequence) Next() types.SequenceNumber {
	return types.SequenceNumber(s.v.Add(1))
}

// Observe moves the sequence forward to seen. Lower values are ignored, so
// replaying records out of order never rewinds it.
func (s *Sequence) Observe(seen types.SequenceNumber) {
	for {
		cur := s.v.Load()
		if uint64(seen) <= cur || s.v.CompareAndSwap(cur, uint64(seen)) {
			return
		}
	}
}
