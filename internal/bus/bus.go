// Package bus provides the broker primitives the chat topology is built on.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownTopic is returned when publishing to or subscribing on a topic that was never declared.
	ErrUnknownTopic = errors.New("bus: unknown topic")
	// ErrClosed is returned by a subscription or broker after Close.
	ErrClosed = errors.New("bus: closed")
)

// Message is a single record destined for a topic.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Delivery is a fetched message awaiting acknowledgement.
type Delivery struct {
	Message
	Offset    int64
	Timestamp time.Time

	raw any
}

// Broker is the minimal surface the topology manager needs from a message broker.
type Broker interface {
	// EnsureTopics declares topics. Declaring an existing topic is not an error.
	EnsureTopics(ctx context.Context, topics ...string) error
	// DeleteTopics removes topics together with any unread messages.
	DeleteTopics(ctx context.Context, topics ...string) error
	// Publish writes all messages or returns an error.
	Publish(ctx context.Context, msgs ...Message) error
	// Subscribe opens a durable consumer-group subscription on a topic.
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)
	Close() error
}

// Subscription is a long-lived reader. A delivery that is never committed is
// delivered again to the next subscription opened for the same group.
type Subscription interface {
	Fetch(ctx context.Context) (Delivery, error)
	Commit(ctx context.Context, d Delivery) error
	Close() error
}
