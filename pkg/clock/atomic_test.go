package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"qubedb/pkg/types"
)

func TestSequence_ObserveNeverRewinds(t *testing.T) {
	s := NewSequence(0)
	s.Observe(7)
	s.Observe(3)
	require.Equal(t, types.SequenceNumber(7), s.Current())
	require.Equal(t, types.SequenceNumber(8), s.Next())
}

func TestSequence_NextIsUnique(t *testing.T) {
	s := NewSequence(10)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[types.SequenceNumber]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				n := s.Next()
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 800)
	require.Equal(t, types.SequenceNumber(810), s.Current())
}
