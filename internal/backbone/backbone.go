// Package backbone adapts the messaging backbone clients (Kafka, RabbitMQ) to the
// small write/consume surface the bridge and listener need.
package backbone

import (
	"context"
	"errors"
	"time"
)

// Kind names a supported backbone implementation.
type Kind string

const (
	// KindKafka publishes to Kafka topics.
	KindKafka Kind = "kafka"
	// KindRabbitMQ publishes to a RabbitMQ topic exchange, routing key = topic.
	KindRabbitMQ Kind = "rabbitmq"
)

// ErrUnsupportedKind is returned for an unknown BACKBONE value.
var ErrUnsupportedKind = errors.New("unsupported backbone kind")

// ParseKind validates a configured backbone name.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindKafka, KindRabbitMQ:
		return Kind(raw), nil
	default:
		return "", ErrUnsupportedKind
	}
}

// Header is one message header.
type Header struct {
	Key   string
	Value string
}

// Message is one keyed record on a topic.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers []Header
	Time    time.Time
}

// Header returns the value of the first header named key.
func (m Message) Header(key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Writer hands messages to the backbone client. Write must not wait for broker
// acknowledgement; delivery failures surface through the writer's own error path.
type Writer interface {
	Write(ctx context.Context, msg Message) error
	Close() error
}

// FailureFunc is called for messages the backbone client reports as undelivered.
type FailureFunc func(topic string, count int, err error)

// Consumer delivers messages from the given topics until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handle func(context.Context, Message) error) error
	Close() error
}

// sleepWithContext waits for delay or returns early when ctx is cancelled.
func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
