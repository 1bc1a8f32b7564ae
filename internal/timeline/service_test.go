package timeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestTimeline(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "socmind.db")
	svc, err := Open(DriverModernc, dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Close()
		_ = os.RemoveAll(dir)
	})
	return svc
}

func seedChat(t *testing.T, svc *Service, chatID string, members ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range members {
		if err := svc.UpsertMember(ctx, &Member{ID: id, Name: id}); err != nil {
			t.Fatalf("upsert member: %v", err)
		}
	}
	if err := svc.CreateChat(ctx, &Chat{ID: chatID, Name: "test"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	for _, id := range members {
		if err := svc.AddChatMember(ctx, chatID, id, ""); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestMemberUpsert(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()

	if err := svc.UpsertMember(ctx, &Member{ID: "gpt", Name: "GPT", Instructions: "be brief"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := svc.UpsertMember(ctx, &Member{ID: "gpt", Name: "GPT-4", Kind: KindAutomated}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	m, err := svc.GetMember(ctx, "gpt")
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if m.Name != "GPT-4" || m.Kind != KindAutomated {
		t.Fatalf("unexpected member: %+v", m)
	}
	if _, err := svc.GetMember(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChatMembershipAndHistory(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()
	seedChat(t, svc, "c1", "flynn", "gpt")

	// re-adding is a no-op
	if err := svc.AddChatMember(ctx, "c1", "gpt", ""); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	members, err := svc.ChatMembers(ctx, "c1")
	if err != nil {
		t.Fatalf("chat members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	first := &Message{ChatID: "c1", Text: "welcome"}
	if err := svc.CreateMessage(ctx, first); err != nil {
		t.Fatalf("system message: %v", err)
	}
	if first.Kind != MessageSystem || first.ID == "" {
		t.Fatalf("expected system kind and id, got %+v", first)
	}
	second := &Message{ChatID: "c1", SenderID: "gpt", Text: "hello"}
	if err := svc.CreateMessage(ctx, second); err != nil {
		t.Fatalf("participant message: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq not increasing: %d then %d", first.Seq, second.Seq)
	}

	history, err := svc.ChatHistory(ctx, "c1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Text != "welcome" || history[1].SenderID != "gpt" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestCreateMessage_RejectsNonMemberSender(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()
	seedChat(t, svc, "c1", "flynn")
	if err := svc.UpsertMember(ctx, &Member{ID: "stranger", Name: "stranger"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err := svc.CreateMessage(ctx, &Message{ChatID: "c1", SenderID: "stranger", Text: "hi"})
	if err == nil {
		t.Fatal("expected foreign key violation for non-member sender")
	}
}

func TestSetChatConclusion_OnlyOnce(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()
	seedChat(t, svc, "c1", "gpt")

	if err := svc.SetChatConclusion(ctx, "c1", "Deal reached"); err != nil {
		t.Fatalf("set conclusion: %v", err)
	}
	if err := svc.SetChatConclusion(ctx, "c1", "Another"); !errors.Is(err, ErrConclusionSet) {
		t.Fatalf("expected ErrConclusionSet, got %v", err)
	}
	if err := svc.SetChatConclusion(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	c, _ := svc.GetChat(ctx, "c1")
	if c.Conclusion != "Deal reached" {
		t.Fatalf("conclusion overwritten: %q", c.Conclusion)
	}
}

func TestWithTx_RollsBack(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()
	seedChat(t, svc, "c1", "gpt")

	boom := errors.New("publish failed")
	var id string
	err := svc.WithTx(ctx, func(r *Repo) error {
		m := &Message{ChatID: "c1", SenderID: "gpt", Text: "lost"}
		if err := r.CreateMessage(ctx, m); err != nil {
			return err
		}
		id = m.ID
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	if _, err := svc.GetMessage(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("message survived rollback: %v", err)
	}
}

func TestListChatsAndMemberships(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()
	seedChat(t, svc, "c1", "a", "b")
	if err := svc.CreateChat(ctx, &Chat{ID: "c2", Name: "sub", Topic: "task", ParentID: "c1"}); err != nil {
		t.Fatalf("create sub chat: %v", err)
	}
	_ = svc.AddChatMember(ctx, "c2", "a", "lead the group")

	chats, err := svc.ListChats(ctx)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 2 || chats[1].ParentID != "c1" {
		t.Fatalf("unexpected chats: %+v", chats)
	}
	all, err := svc.ListMemberships(ctx)
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 memberships, got %d", len(all))
	}
	cm, err := svc.GetChatMember(ctx, "c2", "a")
	if err != nil || cm.Instructions != "lead the group" {
		t.Fatalf("unexpected membership %+v, err %v", cm, err)
	}
}
