package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker. Topics are append-only logs and
// consumer groups keep committed offsets, so redelivery of uncommitted
// messages matches the Kafka implementation.
type MemoryBroker struct {
	mu      sync.Mutex
	topics  map[string]*memTopic
	offsets map[string]int64 // topic + "\x00" + group -> next offset to deliver
	closed  bool

	// PublishHook, when set, is called before a batch is appended. A non-nil
	// error aborts the whole batch.
	PublishHook func(msgs []Message) error
}

type memTopic struct {
	log    []Delivery
	notify chan struct{}
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics:  make(map[string]*memTopic),
		offsets: make(map[string]int64),
	}
}

// EnsureTopics declares topics; existing topics and their contents are untouched.
func (b *MemoryBroker) EnsureTopics(_ context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, t := range topics {
		if _, ok := b.topics[t]; !ok {
			b.topics[t] = &memTopic{notify: make(chan struct{})}
		}
	}
	return nil
}

// DeleteTopics drops topics and wakes any subscription blocked on them.
func (b *MemoryBroker) DeleteTopics(_ context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		mt, ok := b.topics[t]
		if !ok {
			continue
		}
		delete(b.topics, t)
		close(mt.notify)
		for k := range b.offsets {
			if len(k) > len(t) && k[:len(t)] == t && k[len(t)] == 0 {
				delete(b.offsets, k)
			}
		}
	}
	return nil
}

// Publish appends the batch atomically: either every message lands or none does.
func (b *MemoryBroker) Publish(_ context.Context, msgs ...Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, m := range msgs {
		if _, ok := b.topics[m.Topic]; !ok {
			return ErrUnknownTopic
		}
	}
	if b.PublishHook != nil {
		if err := b.PublishHook(msgs); err != nil {
			return err
		}
	}
	now := time.Now()
	touched := make(map[string]*memTopic)
	for _, m := range msgs {
		mt := b.topics[m.Topic]
		val := make([]byte, len(m.Value))
		copy(val, m.Value)
		mt.log = append(mt.log, Delivery{
			Message:   Message{Topic: m.Topic, Key: m.Key, Value: val},
			Offset:    int64(len(mt.log)),
			Timestamp: now,
		})
		touched[m.Topic] = mt
	}
	for _, mt := range touched {
		close(mt.notify)
		mt.notify = make(chan struct{})
	}
	return nil
}

// Subscribe opens a reader that resumes from the group's committed offset.
func (b *MemoryBroker) Subscribe(_ context.Context, topic, group string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.topics[topic]; !ok {
		return nil, ErrUnknownTopic
	}
	key := topic + "\x00" + group
	return &memSubscription{broker: b, topic: topic, key: key, next: b.offsets[key], done: make(chan struct{})}, nil
}

// Close stops the broker; blocked subscriptions return ErrClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, mt := range b.topics {
		close(mt.notify)
	}
	b.topics = map[string]*memTopic{}
	return nil
}

// Messages returns a snapshot of everything published to a topic.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	mt, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Message, len(mt.log))
	for i, d := range mt.log {
		out[i] = d.Message
	}
	return out
}

// HasTopic reports whether a topic is currently declared.
func (b *MemoryBroker) HasTopic(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[topic]
	return ok
}

// Committed returns the next offset a group will receive on a topic.
func (b *MemoryBroker) Committed(topic, group string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offsets[topic+"\x00"+group]
}

type memSubscription struct {
	broker *MemoryBroker
	topic  string
	key    string
	next   int64

	closeOnce sync.Once
	done      chan struct{}
}

func (s *memSubscription) Fetch(ctx context.Context) (Delivery, error) {
	for {
		s.broker.mu.Lock()
		if s.broker.closed {
			s.broker.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		mt, ok := s.broker.topics[s.topic]
		if !ok {
			s.broker.mu.Unlock()
			return Delivery{}, ErrUnknownTopic
		}
		if s.next < int64(len(mt.log)) {
			d := mt.log[s.next]
			s.next++
			s.broker.mu.Unlock()
			return d, nil
		}
		wait := mt.notify
		s.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.done:
			return Delivery{}, ErrClosed
		case <-wait:
		}
	}
}

func (s *memSubscription) Commit(_ context.Context, d Delivery) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if d.Offset+1 > s.broker.offsets[s.key] {
		s.broker.offsets[s.key] = d.Offset + 1
	}
	return nil
}

func (s *memSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
