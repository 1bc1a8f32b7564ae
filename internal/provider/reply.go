package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/socmind/socmind/internal/timeline"
)

// History is the read side of the store the generator needs.
type History interface {
	GetMember(ctx context.Context, id string) (*timeline.Member, error)
	GetChatMember(ctx context.Context, chatID, memberID string) (*timeline.ChatMember, error)
	ChatHistory(ctx context.Context, chatID string) ([]timeline.Message, error)
}

// Profile binds a member to the model that speaks for it.
type Profile struct {
	Provider    LLMProvider
	Model       string
	MaxTokens   int
	Temperature float64

	// AlternateRoles merges consecutive turns that share a role.
	AlternateRoles bool
}

// ReplyGenerator produces replies for automated members from chat history.
type ReplyGenerator struct {
	history History

	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewReplyGenerator(h History) *ReplyGenerator {
	return &ReplyGenerator{history: h, profiles: make(map[string]Profile)}
}

// Register assigns a provider profile to a member.
func (g *ReplyGenerator) Register(memberID string, p Profile) {
	g.mu.Lock()
	g.profiles[memberID] = p
	g.mu.Unlock()
}

// Members lists the ids with a registered profile, sorted.
func (g *ReplyGenerator) Members() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.profiles))
	for id := range g.profiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Generate returns memberID's next message for chatID, or "" when the member
// has nothing to add (including when it spoke last).
func (g *ReplyGenerator) Generate(ctx context.Context, memberID, chatID string) (string, error) {
	g.mu.RLock()
	prof, ok := g.profiles[memberID]
	g.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no provider registered for member %s", memberID)
	}

	member, err := g.history.GetMember(ctx, memberID)
	if err != nil {
		return "", err
	}
	var chatInstructions string
	if cm, err := g.history.GetChatMember(ctx, chatID, memberID); err == nil {
		chatInstructions = cm.Instructions
	}
	msgs, err := g.history.ChatHistory(ctx, chatID)
	if err != nil {
		return "", err
	}
	if len(msgs) > 0 && msgs[len(msgs)-1].SenderID == memberID {
		return "", nil
	}

	conv := BuildConversation(memberID, member.Instructions, chatInstructions, msgs)
	if prof.AlternateRoles {
		conv = AlternateRoles(conv)
	}
	resp, err := prof.Provider.Chat(ctx, &ChatRequest{
		Messages:    conv,
		Model:       prof.Model,
		MaxTokens:   prof.MaxTokens,
		Temperature: prof.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("generate reply for %s: %w", memberID, err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// BuildConversation maps chat history onto model roles from memberID's point
// of view: system messages stay system, its own messages are the assistant,
// and everyone else is the user, prefixed with their id.
func BuildConversation(memberID, instructions, chatInstructions string, history []timeline.Message) []Message {
	out := make([]Message, 0, len(history)+1)
	var sys []string
	if s := strings.TrimSpace(instructions); s != "" {
		sys = append(sys, s)
	}
	if s := strings.TrimSpace(chatInstructions); s != "" {
		sys = append(sys, s)
	}
	if len(sys) > 0 {
		out = append(out, Message{Role: RoleSystem, Content: strings.Join(sys, "\n\n")})
	}
	for _, m := range history {
		switch {
		case m.SenderID == "":
			out = append(out, Message{Role: RoleSystem, Content: m.Text})
		case m.SenderID == memberID:
			out = append(out, Message{Role: RoleAssistant, Content: m.Text})
		default:
			out = append(out, Message{Role: RoleUser, Content: m.SenderID + ": " + m.Text})
		}
	}
	return out
}

// AlternateRoles joins each run of messages with the same role into one
// message, newline separated.
func AlternateRoles(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}
