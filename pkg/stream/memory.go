package stream

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"qubedb/pkg/dberrors"
)

type groupTopic struct {
	group string
	topic string
}

// MemoryBroker keeps every topic as an in-process append-only log.
type MemoryBroker struct {
	mu        sync.Mutex
	topics    map[string][]Message
	committed map[groupTopic]uint64
	notify    chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics:    make(map[string][]Message),
		committed: make(map[groupTopic]uint64),
		notify:    make(chan struct{}),
	}
}

// Open returns a stream consuming topics as part of group.
func (b *MemoryBroker) Open(group string, topics ...string) Stream {
	return &memStream{b: b, group: group, topics: slices.Clone(topics), polled: make(map[string]uint64)}
}

func (b *MemoryBroker) append(msg Message) Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg.Offset = uint64(len(b.topics[msg.Topic]))
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.topics[msg.Topic] = append(b.topics[msg.Topic], msg)
	close(b.notify)
	b.notify = make(chan struct{})
	return msg
}

// Len is the number of messages ever sent to topic.
func (b *MemoryBroker) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

type memStream struct {
	b      *MemoryBroker
	group  string
	topics []string

	mu     sync.Mutex
	polled map[string]uint64 // next offset to hand out, per topic
	closed bool
}

func (s *memStream) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return dberrors.ErrClosed
	}
	if msg.Topic == "" {
		return fmt.Errorf("stream: send: empty topic: %w", dberrors.ErrInvalidArgument)
	}
	s.b.append(msg)
	return nil
}

func (s *memStream) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	for {
		out, wait, err := s.take(max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// take collects up to max messages, or returns the channel to wait on.
func (s *memStream) take(max int) ([]Message, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, dberrors.ErrClosed
	}

	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var out []Message
	for _, t := range s.topics {
		next, ok := s.polled[t]
		if !ok {
			next = s.b.committed[groupTopic{s.group, t}]
		}
		log := s.b.topics[t]
		for next < uint64(len(log)) && len(out) < max {
			out = append(out, log[next])
			next++
		}
		s.polled[t] = next
	}
	return out, s.b.notify, nil
}

// Commit makes everything returned by Poll so far durable for the group.
func (s *memStream) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberrors.ErrClosed
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for t, next := range s.polled {
		k := groupTopic{s.group, t}
		if next > s.b.committed[k] {
			s.b.committed[k] = next
		}
	}
	return nil
}

func (s *memStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
