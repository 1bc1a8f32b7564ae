// Package chat is the single write path for chat messages: every message is
// recorded and fanned out as one unit, and chat membership is cached in memory.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/socmind/socmind/internal/group"
	"github.com/socmind/socmind/internal/timeline"
)

var (
	// ErrUnknownChat is returned for a chat that is not in the directory.
	ErrUnknownChat = errors.New("chat: unknown chat")
	// ErrNotMember is returned when a sender does not belong to the chat.
	ErrNotMember = errors.New("chat: sender is not a member")
)

// Coordinator persists and broadcasts messages and owns the chat directory.
type Coordinator struct {
	store *timeline.Service
	topo  *group.Manager

	mu        sync.RWMutex
	directory map[string][]string // chatID -> member ids in join order
}

// NewCoordinator wires a coordinator. Call Load before serving traffic.
func NewCoordinator(store *timeline.Service, topo *group.Manager) *Coordinator {
	return &Coordinator{
		store:     store,
		topo:      topo,
		directory: make(map[string][]string),
	}
}

// Store exposes the repository for read paths.
func (c *Coordinator) Store() *timeline.Service { return c.store }

// Load rebuilds the directory from the store and re-establishes topology for every chat.
func (c *Coordinator) Load(ctx context.Context) error {
	chats, err := c.store.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	memberships, err := c.store.ListMemberships(ctx)
	if err != nil {
		return fmt.Errorf("load memberships: %w", err)
	}
	dir := make(map[string][]string, len(chats))
	for _, ch := range chats {
		dir[ch.ID] = nil
	}
	for _, cm := range memberships {
		dir[cm.ChatID] = append(dir[cm.ChatID], cm.MemberID)
	}
	for chatID, members := range dir {
		if err := c.topo.EnsureChatTopology(ctx, chatID, members); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.directory = dir
	c.mu.Unlock()
	slog.Info("Chat directory loaded", "chats", len(dir), "memberships", len(memberships))
	return nil
}

// Sync reloads one chat's membership from the store and binds its inboxes.
// Chats created by another process, such as a seed run, become usable here.
func (c *Coordinator) Sync(ctx context.Context, chatID string) error {
	if _, err := c.store.GetChat(ctx, chatID); err != nil {
		return fmt.Errorf("sync chat: %w", err)
	}
	cms, err := c.store.ChatMembers(ctx, chatID)
	if err != nil {
		return fmt.Errorf("sync chat %s: %w", chatID, err)
	}
	members := make([]string, 0, len(cms))
	for _, cm := range cms {
		members = append(members, cm.MemberID)
	}
	if err := c.topo.EnsureChatTopology(ctx, chatID, members); err != nil {
		return err
	}
	c.mu.Lock()
	c.directory[chatID] = members
	c.mu.Unlock()
	slog.Debug("Chat synced", "chat_id", chatID, "members", members)
	return nil
}

// Members returns a copy of a chat's member ids.
func (c *Coordinator) Members(chatID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.directory[chatID]...)
}

// IsMember reports whether memberID belongs to chatID.
func (c *Coordinator) IsMember(chatID, memberID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.directory[chatID] {
		if id == memberID {
			return true
		}
	}
	return false
}

// ChatsOf returns the ids of the chats a member belongs to, sorted.
func (c *Coordinator) ChatsOf(memberID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for chatID, members := range c.directory {
		for _, id := range members {
			if id == memberID {
				out = append(out, chatID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) checkSender(chatID, senderID string) error {
	c.mu.RLock()
	members, ok := c.directory[chatID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	if senderID == "" {
		return nil
	}
	for _, id := range members {
		if id == senderID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s", ErrNotMember, senderID, chatID)
}

// RecordAndBroadcast stores a message and publishes it to every member of the
// chat. If publishing fails the message is not stored. An empty senderID
// records a system message.
func (c *Coordinator) RecordAndBroadcast(ctx context.Context, chatID, text, senderID string) (string, error) {
	if err := c.checkSender(chatID, senderID); err != nil {
		return "", err
	}
	var id string
	err := c.store.WithTx(ctx, func(r *timeline.Repo) error {
		var err error
		id, err = c.record(ctx, r, chatID, text, senderID)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Coordinator) record(ctx context.Context, r *timeline.Repo, chatID, text, senderID string) (string, error) {
	env, err := c.stage(ctx, r, chatID, text, senderID)
	if err != nil {
		return "", err
	}
	if err := c.topo.PublishToChat(ctx, env); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// stage writes the message row and returns the envelope to publish for it.
func (c *Coordinator) stage(ctx context.Context, r *timeline.Repo, chatID, text, senderID string) (group.Envelope, error) {
	msg := &timeline.Message{ChatID: chatID, SenderID: senderID, Text: text}
	if err := r.CreateMessage(ctx, msg); err != nil {
		return group.Envelope{}, err
	}
	return group.Envelope{
		Content:   group.Content{Text: text},
		Kind:      msg.Kind,
		ChatID:    chatID,
		SenderID:  senderID,
		MessageID: msg.ID,
		CreatedAt: msg.CreatedAt,
	}, nil
}

// CreateChat creates a chat with the given members, sets up its topology,
// seeds it with topic if one is given, and notifies every member.
func (c *Coordinator) CreateChat(ctx context.Context, memberIDs []string, name, topic, parentChatID string) (string, error) {
	memberIDs = dedupe(memberIDs)
	if len(memberIDs) == 0 {
		return "", fmt.Errorf("create chat: no members")
	}

	var chatID string
	err := c.store.WithTx(ctx, func(r *timeline.Repo) error {
		members := make([]timeline.Member, 0, len(memberIDs))
		for _, id := range memberIDs {
			m, err := r.GetMember(ctx, id)
			if err != nil {
				return err
			}
			members = append(members, *m)
		}
		ch := &timeline.Chat{Name: name, Topic: topic, ParentID: parentChatID}
		if err := r.CreateChat(ctx, ch); err != nil {
			return err
		}
		chatID = ch.ID
		for _, id := range memberIDs {
			if err := r.AddChatMember(ctx, chatID, id, ""); err != nil {
				return err
			}
		}
		if err := c.topo.EnsureChatTopology(ctx, chatID, memberIDs); err != nil {
			return err
		}
		if strings.TrimSpace(topic) == "" {
			return nil
		}
		society, err := r.ListMembers(ctx)
		if err != nil {
			return err
		}
		_, err = c.record(ctx, r, chatID, SeedMessage(topic, members, society), "")
		return err
	})
	if err != nil {
		if chatID != "" {
			if rerr := c.topo.RetireMembers(context.WithoutCancel(ctx), chatID, memberIDs); rerr != nil {
				slog.Warn("Topology cleanup failed", "chat_id", chatID, "error", rerr)
			}
		}
		return "", fmt.Errorf("create chat: %w", err)
	}

	c.mu.Lock()
	c.directory[chatID] = memberIDs
	c.mu.Unlock()

	c.notify(ctx, chatID, memberIDs)
	slog.Info("Chat created", "chat_id", chatID, "name", name, "members", memberIDs, "parent", parentChatID)
	return chatID, nil
}

// AddMember adds a member to an existing chat and announces it.
func (c *Coordinator) AddMember(ctx context.Context, chatID, memberID, instructions string) error {
	if err := c.checkSender(chatID, ""); err != nil {
		return err
	}
	if c.IsMember(chatID, memberID) {
		return nil
	}
	err := c.store.WithTx(ctx, func(r *timeline.Repo) error {
		m, err := r.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if err := r.AddChatMember(ctx, chatID, memberID, instructions); err != nil {
			return err
		}
		if err := c.topo.EnsureChatTopology(ctx, chatID, []string{memberID}); err != nil {
			return err
		}
		_, err = c.record(ctx, r, chatID, JoinedNotice(displayName(*m)), "")
		return err
	})
	if err != nil {
		if rerr := c.topo.RetireMembers(context.WithoutCancel(ctx), chatID, []string{memberID}); rerr != nil {
			slog.Warn("Topology cleanup failed", "chat_id", chatID, "error", rerr)
		}
		return fmt.Errorf("add member: %w", err)
	}

	c.mu.Lock()
	c.directory[chatID] = append(c.directory[chatID], memberID)
	c.mu.Unlock()

	c.notify(ctx, chatID, []string{memberID})
	slog.Info("Member added to chat", "chat_id", chatID, "member_id", memberID)
	return nil
}

// SetConclusion records a chat's conclusion, announces it, and relays it to
// the parent chat when there is one.
func (c *Coordinator) SetConclusion(ctx context.Context, chatID, text string) error {
	if err := c.checkSender(chatID, ""); err != nil {
		return err
	}
	err := c.store.WithTx(ctx, func(r *timeline.Repo) error {
		ch, err := r.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		if ch.ParentID != "" {
			if err := c.checkSender(ch.ParentID, ""); err != nil {
				return err
			}
		}
		if err := r.SetChatConclusion(ctx, chatID, text); err != nil {
			return err
		}
		env, err := c.stage(ctx, r, chatID, ConclusionNotice(text), "")
		if err != nil {
			return err
		}
		envs := []group.Envelope{env}
		if ch.ParentID != "" {
			relay, err := c.stage(ctx, r, ch.ParentID, ParentConclusionNotice(ch.Name, chatID, text), "")
			if err != nil {
				return err
			}
			envs = append(envs, relay)
		}
		// announcement and relay go out in one batch or not at all
		return c.topo.PublishToChat(ctx, envs...)
	})
	if err != nil {
		return fmt.Errorf("set conclusion: %w", err)
	}
	slog.Info("Chat concluded", "chat_id", chatID)
	return nil
}

func (c *Coordinator) notify(ctx context.Context, chatID string, memberIDs []string) {
	for _, id := range memberIDs {
		ctl := group.ControlEnvelope{Notification: group.NotificationNewChat, ChatID: chatID}
		if err := c.topo.NotifyMember(ctx, id, ctl); err != nil {
			slog.Warn("New chat notification failed", "chat_id", chatID, "member_id", id, "error", err)
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
