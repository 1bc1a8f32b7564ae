package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a KafkaBroker.
type KafkaConfig struct {
	Brokers           string // comma separated host:port list
	ReplicationFactor int
	WriteTimeout      time.Duration
}

// KafkaBroker implements Broker using segmentio/kafka-go.
type KafkaBroker struct {
	brokers []string
	rf      int
	client  *kafka.Client
	writer  *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

// NewKafkaBroker creates a broker for the given cluster. No connection is made until first use.
func NewKafkaBroker(cfg KafkaConfig) *KafkaBroker {
	brokerList := strings.Split(cfg.Brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}
	rf := cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	addr := kafka.TCP(brokerList...)
	return &KafkaBroker{
		brokers: brokerList,
		rf:      rf,
		client:  &kafka.Client{Addr: addr, Timeout: timeout},
		writer: &kafka.Writer{
			Addr:                   addr,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
			BatchTimeout:           5 * time.Millisecond,
			WriteTimeout:           timeout,
		},
	}
}

// EnsureTopics creates single-partition topics, treating "already exists" as success.
// One partition per inbox keeps per-chat delivery order.
func (b *KafkaBroker) EnsureTopics(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     1,
			ReplicationFactor: b.rf,
		})
	}
	resp, err := b.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{Topics: configs})
	if err != nil {
		return fmt.Errorf("kafka create topics: %w", err)
	}
	for topic, terr := range resp.Errors {
		if terr == nil || errors.Is(terr, kafka.TopicAlreadyExists) {
			continue
		}
		return fmt.Errorf("kafka create topic %s: %w", topic, terr)
	}
	return nil
}

// DeleteTopics removes topics, ignoring ones that do not exist.
func (b *KafkaBroker) DeleteTopics(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	resp, err := b.client.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{Topics: topics})
	if err != nil {
		return fmt.Errorf("kafka delete topics: %w", err)
	}
	for topic, terr := range resp.Errors {
		if terr == nil || errors.Is(terr, kafka.UnknownTopicOrPartition) {
			continue
		}
		return fmt.Errorf("kafka delete topic %s: %w", topic, terr)
	}
	return nil
}

// Publish writes the batch synchronously; the call returns only once all replicas acknowledged.
func (b *KafkaBroker) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{Topic: m.Topic, Key: []byte(m.Key), Value: m.Value}
	}
	if err := b.writer.WriteMessages(ctx, out...); err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			return fmt.Errorf("kafka publish: %w: %v", ErrUnknownTopic, err)
		}
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Subscribe starts a consumer-group reader. New groups start at the first offset.
func (b *KafkaBroker) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	b.readers = append(b.readers, reader)
	return &kafkaSubscription{reader: reader, topic: topic}, nil
}

// Close stops the writer and every reader opened through this broker.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.closed = true
	b.mu.Unlock()

	for _, r := range readers {
		if err := r.Close(); err != nil {
			slog.Debug("KafkaBroker: close reader", "topic", r.Config().Topic, "error", err)
		}
	}
	return b.writer.Close()
}

type kafkaSubscription struct {
	reader *kafka.Reader
	topic  string
}

func (s *kafkaSubscription) Fetch(ctx context.Context) (Delivery, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Delivery{}, ErrClosed
		}
		return Delivery{}, err
	}
	return Delivery{
		Message:   Message{Topic: msg.Topic, Key: string(msg.Key), Value: msg.Value},
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		raw:       msg,
	}, nil
}

func (s *kafkaSubscription) Commit(ctx context.Context, d Delivery) error {
	msg, ok := d.raw.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka commit: delivery from topic %s was not fetched by this subscription", d.Topic)
	}
	return s.reader.CommitMessages(ctx, msg)
}

func (s *kafkaSubscription) Close() error {
	return s.reader.Close()
}
