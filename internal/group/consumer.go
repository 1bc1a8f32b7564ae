package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/socmind/socmind/internal/bus"
)

// EnvelopeHandler handles one chat message. A non-nil error leaves the
// message unacknowledged and triggers redelivery.
type EnvelopeHandler func(ctx context.Context, env Envelope) error

// ControlHandler handles one control notification.
type ControlHandler func(ctx context.Context, ctl ControlEnvelope) error

// retryBackoff is the pause between redelivery attempts of the same payload.
var retryBackoff = 100 * time.Millisecond

// Consume reads a member's inbox for one chat and hands each envelope to h.
// It blocks until ctx is cancelled or the inbox is retired.
func (m *Manager) Consume(ctx context.Context, memberID, chatID string, h EnvelopeHandler) error {
	topic := m.names.ChatInbox(chatID, memberID)
	return m.consume(ctx, topic, m.names.ConsumerGroup(memberID), func(ctx context.Context, raw []byte) error {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		return h(ctx, env)
	})
}

// ConsumeNotifications reads a member's control inbox and hands each
// notification to h. It blocks until ctx is cancelled.
func (m *Manager) ConsumeNotifications(ctx context.Context, memberID string, h ControlHandler) error {
	if err := m.EnsureMemberControl(ctx, memberID); err != nil {
		return err
	}
	topic := m.names.Control(memberID)
	return m.consume(ctx, topic, m.names.ConsumerGroup(memberID), func(ctx context.Context, raw []byte) error {
		var ctl ControlEnvelope
		if err := json.Unmarshal(raw, &ctl); err != nil {
			return fmt.Errorf("decode control envelope: %w", err)
		}
		return h(ctx, ctl)
	})
}

func (m *Manager) consume(ctx context.Context, topic, group string, handle func(context.Context, []byte) error) error {
	sub, err := m.broker.Subscribe(ctx, topic, group)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	defer sub.Close()

	for {
		d, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) || errors.Is(err, bus.ErrUnknownTopic) {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", topic, err)
		}
		if !m.deliver(ctx, d, group, handle) {
			// cancelled mid-delivery; leave it uncommitted for the next consumer
			return nil
		}
		if err := sub.Commit(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Commit failed", "topic", topic, "offset", d.Offset, "error", err)
		}
	}
}

// deliver runs handle until it succeeds or the attempt budget runs out, in
// which case the payload is dead-lettered. It returns false only if ctx ended.
func (m *Manager) deliver(ctx context.Context, d bus.Delivery, group string, handle func(context.Context, []byte) error) bool {
	var lastErr error
	for attempt := 1; m.maxDeliveries == 0 || attempt <= m.maxDeliveries; attempt++ {
		if lastErr = handle(ctx, d.Value); lastErr == nil {
			return true
		}
		slog.Warn("Delivery failed", "topic", d.Topic, "offset", d.Offset, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryBackoff):
		}
	}
	m.deadLetter(ctx, d, group, lastErr)
	return true
}

func (m *Manager) deadLetter(ctx context.Context, d bus.Delivery, group string, cause error) {
	dl := DeadLetter{
		Topic:    d.Topic,
		Group:    group,
		Attempts: m.maxDeliveries,
		Payload:  string(d.Value),
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	data, err := json.Marshal(dl)
	if err != nil {
		slog.Error("Dead letter marshal failed", "topic", d.Topic, "error", err)
		return
	}
	if err := m.broker.Publish(ctx, bus.Message{Topic: m.names.DeadLetter(), Key: d.Topic, Value: data}); err != nil {
		slog.Error("Dead letter publish failed", "topic", d.Topic, "error", err)
		return
	}
	slog.Warn("Message dead-lettered", "topic", d.Topic, "offset", d.Offset, "attempts", m.maxDeliveries)
}
