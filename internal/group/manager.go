package group

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/socmind/socmind/internal/bus"
)

// DefaultMaxDeliveries bounds how often a payload that fails to decode is retried
// before it is moved to the dead-letter topic.
const DefaultMaxDeliveries = 3

// Options configures a Manager.
type Options struct {
	TopicPrefix string
	// MaxDeliveries caps handling attempts per payload. Zero retries forever.
	MaxDeliveries int
}

// Manager owns the chat fan-out topology: which member inboxes are bound to
// which chat, plus each member's control inbox.
type Manager struct {
	broker        bus.Broker
	names         TopicNames
	maxDeliveries int

	mu       sync.RWMutex
	bindings map[string]map[string]struct{} // chatID -> bound member ids
	controls map[string]struct{}
}

// NewManager creates a topology manager on top of a broker.
func NewManager(broker bus.Broker, opts Options) *Manager {
	return &Manager{
		broker:        broker,
		names:         NewTopicNames(opts.TopicPrefix),
		maxDeliveries: opts.MaxDeliveries,
		bindings:      make(map[string]map[string]struct{}),
		controls:      make(map[string]struct{}),
	}
}

// Names returns the topic naming scheme in use.
func (m *Manager) Names() TopicNames {
	return m.names
}

// EnsureChatTopology declares an inbox for every member and binds it to the chat.
// Already-bound inboxes and their unread messages are left alone.
func (m *Manager) EnsureChatTopology(ctx context.Context, chatID string, memberIDs []string) error {
	if chatID == "" {
		return fmt.Errorf("ensure chat topology: empty chat id")
	}
	topics := make([]string, 0, len(memberIDs)+1)
	for _, id := range memberIDs {
		topics = append(topics, m.names.ChatInbox(chatID, id))
	}
	topics = append(topics, m.names.DeadLetter())
	if err := m.broker.EnsureTopics(ctx, topics...); err != nil {
		return fmt.Errorf("ensure chat topology %s: %w", chatID, err)
	}

	m.mu.Lock()
	bound, ok := m.bindings[chatID]
	if !ok {
		bound = make(map[string]struct{})
		m.bindings[chatID] = bound
	}
	for _, id := range memberIDs {
		bound[id] = struct{}{}
	}
	m.mu.Unlock()

	slog.Debug("Chat topology ensured", "chat_id", chatID, "members", len(memberIDs))
	return nil
}

// RetireMembers unbinds and deletes the named members' inboxes for a chat.
func (m *Manager) RetireMembers(ctx context.Context, chatID string, memberIDs []string) error {
	topics := make([]string, 0, len(memberIDs))
	m.mu.Lock()
	bound := m.bindings[chatID]
	for _, id := range memberIDs {
		if bound != nil {
			delete(bound, id)
		}
		topics = append(topics, m.names.ChatInbox(chatID, id))
	}
	m.mu.Unlock()

	if err := m.broker.DeleteTopics(ctx, topics...); err != nil {
		return fmt.Errorf("retire members of %s: %w", chatID, err)
	}
	slog.Info("Chat members retired", "chat_id", chatID, "members", memberIDs)
	return nil
}

// Bound returns the member ids currently bound to a chat, sorted.
func (m *Manager) Bound(chatID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.bindings[chatID]))
	for id := range m.bindings[chatID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PublishToChat delivers one copy of each envelope to every inbox bound to its
// chat, the sender's included, as a single broker batch. Consumers filter
// their own messages by SenderID.
func (m *Manager) PublishToChat(ctx context.Context, envs ...Envelope) error {
	var msgs []bus.Message
	for _, env := range envs {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("publish to chat: marshal: %w", err)
		}
		members := m.Bound(env.ChatID)
		if len(members) == 0 {
			return fmt.Errorf("publish to chat %s: no topology", env.ChatID)
		}
		for _, id := range members {
			msgs = append(msgs, bus.Message{
				Topic: m.names.ChatInbox(env.ChatID, id),
				Key:   env.ChatID,
				Value: data,
			})
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := m.broker.Publish(ctx, msgs...); err != nil {
		return fmt.Errorf("publish to chat %s: %w", envs[0].ChatID, err)
	}
	return nil
}

// EnsureMemberControl declares the member's control inbox.
func (m *Manager) EnsureMemberControl(ctx context.Context, memberID string) error {
	m.mu.RLock()
	_, ok := m.controls[memberID]
	m.mu.RUnlock()
	if ok {
		return nil
	}
	if err := m.broker.EnsureTopics(ctx, m.names.Control(memberID), m.names.DeadLetter()); err != nil {
		return fmt.Errorf("ensure control inbox %s: %w", memberID, err)
	}
	m.mu.Lock()
	m.controls[memberID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// NotifyMember sends a control signal to exactly one member.
func (m *Manager) NotifyMember(ctx context.Context, memberID string, ctl ControlEnvelope) error {
	if err := m.EnsureMemberControl(ctx, memberID); err != nil {
		return err
	}
	data, err := json.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("notify member: marshal: %w", err)
	}
	if err := m.broker.Publish(ctx, bus.Message{Topic: m.names.Control(memberID), Key: memberID, Value: data}); err != nil {
		return fmt.Errorf("notify member %s: %w", memberID, err)
	}
	return nil
}
