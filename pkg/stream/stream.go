// Package stream is the changefeed boundary: the node publishes every applied
// mutation through Stream and never talks to a concrete broker directly.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnsupportedPlatform = errors.New("stream: unsupported platform")

type Platform int

const (
	Memory Platform = iota
	Kafka
	Pulsar
	RedisStreams
	RabbitMQ
)

var platformNames = map[Platform]string{
	Memory:       "memory",
	Kafka:        "kafka",
	Pulsar:       "pulsar",
	RedisStreams: "redis-streams",
	RabbitMQ:     "rabbitmq",
}

func (p Platform) String() string {
	if s, ok := platformNames[p]; ok {
		return s
	}
	return fmt.Sprintf("platform(%d)", int(p))
}

func ParsePlatform(s string) (Platform, error) {
	for p, name := range platformNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, s)
}

type Message struct {
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Offset    uint64            `json:"offset"`
	Timestamp time.Time         `json:"timestamp"`
}

// Stream is a producer and a group consumer in one handle.
//
// Poll blocks until at least one message is available on a subscribed topic
// or ctx is done. Messages stay redelivered to the group until Commit.
type Stream interface {
	Send(ctx context.Context, msg Message) error
	Poll(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context) error
	Close() error
}

type Config struct {
	Platform Platform
	Group    string
	Topics   []string
	// Broker is shared by every Memory stream that should see the same data.
	Broker *MemoryBroker
}

// New opens a stream on the configured platform. Only Memory has a backend;
// the external brokers report ErrUnsupportedPlatform.
func New(cfg Config) (Stream, error) {
	switch cfg.Platform {
	case Memory:
		b := cfg.Broker
		if b == nil {
			b = NewMemoryBroker()
		}
		return b.Open(cfg.Group, cfg.Topics...), nil
	case Kafka, Pulsar, RedisStreams, RabbitMQ:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, cfg.Platform)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, cfg.Platform)
	}
}
