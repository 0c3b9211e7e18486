package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestListener_HandlesInOrder(t *testing.T) {
	in := make(chan int)
	var got []int
	done := make(chan struct{})

	l := New(in, func(v int) error {
		got = append(got, v)
		if v == 3 {
			close(done)
		}
		return nil
	})
	l.Start(context.Background())

	for i := 1; i <= 3; i++ {
		in <- i
	}
	<-done
	l.Stop()

	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestListener_ErrorsDoNotStopConsumption(t *testing.T) {
	in := make(chan int)
	var failures, handled atomic.Int32

	l := New(in, func(v int) error {
		handled.Add(1)
		if v%2 == 0 {
			return errors.New("even")
		}
		return nil
	}).OnError(func(error) { failures.Add(1) })
	l.Start(context.Background())

	for i := 0; i < 4; i++ {
		in <- i
	}
	deadline := time.Now().Add(time.Second)
	for handled.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	l.Stop()

	if handled.Load() != 4 || failures.Load() != 2 {
		t.Fatalf("handled=%d failures=%d", handled.Load(), failures.Load())
	}
}

func TestListener_StopRunsStopHandler(t *testing.T) {
	stopped := false
	l := New(make(chan int), func(int) error { return nil }, func() { stopped = true })
	l.Start(context.Background())
	l.Stop()
	if !stopped {
		t.Fatal("stop handler not called")
	}
}
