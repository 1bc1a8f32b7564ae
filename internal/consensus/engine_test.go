package consensus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/socmind/socmind/internal/bus"
	"github.com/socmind/socmind/internal/chat"
	"github.com/socmind/socmind/internal/group"
	"github.com/socmind/socmind/internal/timeline"
)

type recorded struct {
	chatID, text, sender string
}

type fakeCoordinator struct {
	mu          sync.Mutex
	members     map[string][]string
	messages    []recorded
	created     []Delegation
	conclusions map[string]string
	createErr   error
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{members: make(map[string][]string), conclusions: make(map[string]string)}
}

func (f *fakeCoordinator) RecordAndBroadcast(_ context.Context, chatID, text, senderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, recorded{chatID, text, senderID})
	return fmt.Sprintf("m%d", len(f.messages)), nil
}

func (f *fakeCoordinator) CreateChat(_ context.Context, memberIDs []string, name, topic, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, Delegation{Name: name, Members: memberIDs, Task: topic})
	id := fmt.Sprintf("sub%d", len(f.created))
	f.members[id] = memberIDs
	return id, nil
}

func (f *fakeCoordinator) SetConclusion(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conclusions[chatID]; ok {
		return errors.New("already concluded")
	}
	f.conclusions[chatID] = text
	return nil
}

func (f *fakeCoordinator) Members(chatID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[chatID]...)
}

func (f *fakeCoordinator) systemMessages(chatID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.messages {
		if m.chatID == chatID && m.sender == "" {
			out = append(out, m.text)
		}
	}
	return out
}

const delegationJSON = `{"name": "Research", "members": ["tao"], "task": "Find the proof."}`

func TestEngine_DelegationNeedsMajority(t *testing.T) {
	f := newFakeCoordinator()
	f.members["c1"] = []string{"a", "b", "c"}
	e := NewEngine(f)
	ctx := context.Background()

	if _, err := e.Submit(ctx, "c1", "Proposal: "+delegationJSON, "a"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.created) != 0 {
		t.Fatal("one vote of three must not ratify")
	}
	p, ok := e.Pending("c1")
	if !ok || p.Kind != KindDelegation || p.ProposerID != "a" {
		t.Fatalf("expected pending delegation, got %+v %v", p, ok)
	}
	notices := f.systemMessages("c1")
	if len(notices) != 1 || !strings.Contains(notices[0], "APPROVE") {
		t.Fatalf("expected voting notice, got %v", notices)
	}

	if _, err := e.Submit(ctx, "c1", "APPROVE", "b"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(f.created) != 1 || f.created[0].Name != "Research" || f.created[0].Task != "Find the proof." {
		t.Fatalf("delegation not executed: %+v", f.created)
	}
	if _, ok := e.Pending("c1"); ok {
		t.Fatal("proposal should be cleared after execution")
	}
	notices = f.systemMessages("c1")
	if !strings.Contains(notices[len(notices)-1], "sub1") {
		t.Fatalf("announcement should name the new chat id: %v", notices)
	}
}

func TestEngine_IdempotentApproval(t *testing.T) {
	f := newFakeCoordinator()
	f.members["c1"] = []string{"a", "b", "c", "d", "e"}
	e := NewEngine(f)
	ctx := context.Background()

	_, _ = e.Submit(ctx, "c1", `{"conclusion": "done"}`, "a")
	_, _ = e.Submit(ctx, "c1", "APPROVE", "b")
	_, _ = e.Submit(ctx, "c1", "APPROVE again", "b")

	p, ok := e.Pending("c1")
	if !ok {
		t.Fatal("two distinct votes of five must not ratify")
	}
	if len(p.Voters) != 2 {
		t.Fatalf("expected 2 voters, got %d", len(p.Voters))
	}
	_, _ = e.Submit(ctx, "c1", "APPROVE", "c")
	if f.conclusions["c1"] != "done" {
		t.Fatalf("third distinct vote should ratify, got %v", f.conclusions)
	}
}

func TestEngine_SupersessionDiscardsVotes(t *testing.T) {
	f := newFakeCoordinator()
	f.members["c1"] = []string{"a", "b", "c", "d"}
	e := NewEngine(f)
	ctx := context.Background()

	_, _ = e.Submit(ctx, "c1", `{"conclusion": "old"}`, "a")
	_, _ = e.Submit(ctx, "c1", `{"conclusion": "new"}`, "b")

	p, ok := e.Pending("c1")
	if !ok || p.Conclusion.Conclusion != "new" || p.ProposerID != "b" {
		t.Fatalf("expected the newer proposal, got %+v", p)
	}
	if _, voted := p.Voters["a"]; voted {
		t.Fatal("old proposer's vote must not carry over")
	}
	_, _ = e.Submit(ctx, "c1", "APPROVE", "c")
	if f.conclusions["c1"] != "new" {
		t.Fatalf("expected new conclusion, got %v", f.conclusions)
	}
}

func TestEngine_ApproveWithoutProposal(t *testing.T) {
	f := newFakeCoordinator()
	f.members["c1"] = []string{"a"}
	e := NewEngine(f)
	if _, err := e.Submit(context.Background(), "c1", "APPROVE", "a"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.messages) != 1 || len(f.conclusions) != 0 {
		t.Fatalf("plain message expected, got %+v", f.messages)
	}
}

func TestEngine_SystemMessagesBypassProposals(t *testing.T) {
	f := newFakeCoordinator()
	f.members["c1"] = []string{"a"}
	e := NewEngine(f)
	_, _ = e.Submit(context.Background(), "c1", `{"conclusion": "system says"}`, "")
	if _, ok := e.Pending("c1"); ok {
		t.Fatal("system messages must not create proposals")
	}
	if len(f.conclusions) != 0 {
		t.Fatal("system message must not conclude")
	}
}

func TestEngine_FailedExecutionIsReported(t *testing.T) {
	f := newFakeCoordinator()
	f.members["c1"] = []string{"a"}
	f.createErr = errors.New("member ghost not found")
	e := NewEngine(f)

	_, _ = e.Submit(context.Background(), "c1", delegationJSON, "a")
	if _, ok := e.Pending("c1"); ok {
		t.Fatal("failed proposal should be cleared")
	}
	notices := f.systemMessages("c1")
	if !strings.Contains(notices[len(notices)-1], "ghost") {
		t.Fatalf("expected failure notice, got %v", notices)
	}
}

func TestEngine_ConcludesTwoMemberChatImmediately(t *testing.T) {
	store, err := timeline.Open(timeline.DriverModernc, filepath.Join(t.TempDir(), "socmind.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	for _, id := range []string{"flynn", "gpt"} {
		_ = store.UpsertMember(ctx, &timeline.Member{ID: id, Name: id})
	}
	b := bus.NewMemoryBroker()
	defer b.Close()
	coord := chat.NewCoordinator(store, group.NewManager(b, group.Options{}))
	chatID, err := coord.CreateChat(ctx, []string{"flynn", "gpt"}, "C1", "", "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	e := NewEngine(coord)
	if _, err := e.Submit(ctx, chatID, `{"conclusion":"Deal reached"}`, "gpt"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ch, _ := store.GetChat(ctx, chatID)
	if ch.Conclusion != "Deal reached" {
		t.Fatalf("expected immediate conclusion, got %q", ch.Conclusion)
	}
	history, _ := store.ChatHistory(ctx, chatID)
	last := history[len(history)-1]
	if last.SenderID != "" || !strings.Contains(last.Text, "Deal reached") {
		t.Fatalf("expected conclusion announcement last, got %+v", last)
	}
}
