package chat

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/socmind/socmind/internal/bus"
	"github.com/socmind/socmind/internal/group"
	"github.com/socmind/socmind/internal/timeline"
)

type testEnv struct {
	coord  *Coordinator
	store  *timeline.Service
	broker *bus.MemoryBroker
	topo   *group.Manager
}

func newTestEnv(t *testing.T, members ...string) *testEnv {
	t.Helper()
	store, err := timeline.Open(timeline.DriverModernc, filepath.Join(t.TempDir(), "socmind.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for _, id := range members {
		if err := store.UpsertMember(context.Background(), &timeline.Member{ID: id, Name: strings.ToUpper(id)}); err != nil {
			t.Fatalf("upsert member: %v", err)
		}
	}
	b := bus.NewMemoryBroker()
	t.Cleanup(func() { b.Close() })
	topo := group.NewManager(b, group.Options{MaxDeliveries: 1})
	return &testEnv{coord: NewCoordinator(store, topo), store: store, broker: b, topo: topo}
}

func (e *testEnv) inbox(t *testing.T, chatID, memberID string) []group.Envelope {
	t.Helper()
	var out []group.Envelope
	for _, m := range e.broker.Messages(e.topo.Names().ChatInbox(chatID, memberID)) {
		var env group.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func TestCreateChat_SeedsAndNotifies(t *testing.T) {
	e := newTestEnv(t, "flynn", "gpt", "claude")
	ctx := context.Background()

	chatID, err := e.coord.CreateChat(ctx, []string{"flynn", "gpt", "gpt"}, "Pricing", "Agree on a price.", "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if got := e.coord.Members(chatID); len(got) != 2 {
		t.Fatalf("expected deduped members, got %v", got)
	}

	seed := e.inbox(t, chatID, "gpt")
	if len(seed) != 1 || seed[0].Kind != group.KindSystem {
		t.Fatalf("expected one seed system message, got %+v", seed)
	}
	text := seed[0].Content.Text
	for _, want := range []string{"Agree on a price.", "flynn: FLYNN", "claude: CLAUDE", "APPROVE"} {
		if !strings.Contains(text, want) {
			t.Fatalf("seed message missing %q:\n%s", want, text)
		}
	}

	ctl := e.broker.Messages(e.topo.Names().Control("flynn"))
	if len(ctl) != 1 {
		t.Fatalf("expected NEW_CHAT notification, got %d", len(ctl))
	}
	var note group.ControlEnvelope
	_ = json.Unmarshal(ctl[0].Value, &note)
	if note.Notification != group.NotificationNewChat || note.ChatID != chatID {
		t.Fatalf("unexpected notification: %+v", note)
	}
	if n := len(e.broker.Messages(e.topo.Names().Control("claude"))); n != 0 {
		t.Fatalf("non-member notified: %d", n)
	}
}

func TestCreateChat_UnknownMember(t *testing.T) {
	e := newTestEnv(t, "flynn")
	_, err := e.coord.CreateChat(context.Background(), []string{"flynn", "ghost"}, "", "", "")
	if !errors.Is(err, timeline.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	chats, _ := e.store.ListChats(context.Background())
	if len(chats) != 0 {
		t.Fatalf("chat row survived failed create: %+v", chats)
	}
}

func TestRecordAndBroadcast_FansOutIncludingSender(t *testing.T) {
	e := newTestEnv(t, "flynn", "gpt")
	ctx := context.Background()
	chatID, _ := e.coord.CreateChat(ctx, []string{"flynn", "gpt"}, "", "", "")

	id, err := e.coord.RecordAndBroadcast(ctx, chatID, "hello", "gpt")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	for _, m := range []string{"flynn", "gpt"} {
		got := e.inbox(t, chatID, m)
		if len(got) != 1 || got[0].MessageID != id || got[0].SenderID != "gpt" {
			t.Fatalf("%s inbox: %+v", m, got)
		}
	}
}

func TestRecordAndBroadcast_RejectsStrangers(t *testing.T) {
	e := newTestEnv(t, "flynn", "gpt", "claude")
	ctx := context.Background()
	chatID, _ := e.coord.CreateChat(ctx, []string{"flynn", "gpt"}, "", "", "")

	if _, err := e.coord.RecordAndBroadcast(ctx, chatID, "hi", "claude"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if _, err := e.coord.RecordAndBroadcast(ctx, "nope", "hi", "gpt"); !errors.Is(err, ErrUnknownChat) {
		t.Fatalf("expected ErrUnknownChat, got %v", err)
	}
}

func TestRecordAndBroadcast_PublishFailureLeavesNoRow(t *testing.T) {
	e := newTestEnv(t, "flynn", "gpt")
	ctx := context.Background()
	chatID, _ := e.coord.CreateChat(ctx, []string{"flynn", "gpt"}, "", "", "")

	boom := errors.New("broker down")
	e.broker.PublishHook = func([]bus.Message) error { return boom }
	if _, err := e.coord.RecordAndBroadcast(ctx, chatID, "never", "gpt"); !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
	e.broker.PublishHook = nil

	history, err := e.store.ChatHistory(ctx, chatID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("message row exists after failed publish: %+v", history)
	}
}

func TestAddMember(t *testing.T) {
	e := newTestEnv(t, "flynn", "gpt", "claude")
	ctx := context.Background()
	chatID, _ := e.coord.CreateChat(ctx, []string{"flynn", "gpt"}, "", "", "")

	if err := e.coord.AddMember(ctx, chatID, "claude", "be concise"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if !e.coord.IsMember(chatID, "claude") {
		t.Fatal("directory not updated")
	}
	got := e.inbox(t, chatID, "gpt")
	if len(got) != 1 || got[0].Content.Text != "CLAUDE has joined the chat." {
		t.Fatalf("unexpected announcement: %+v", got)
	}
	if len(e.inbox(t, chatID, "claude")) != 1 {
		t.Fatal("new member should receive its own announcement")
	}
	cm, err := e.store.GetChatMember(ctx, chatID, "claude")
	if err != nil || cm.Instructions != "be concise" {
		t.Fatalf("membership: %+v %v", cm, err)
	}
	// idempotent
	if err := e.coord.AddMember(ctx, chatID, "claude", ""); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if n := len(e.coord.Members(chatID)); n != 3 {
		t.Fatalf("expected 3 members, got %d", n)
	}
}

func TestSetConclusion_RelaysToParent(t *testing.T) {
	e := newTestEnv(t, "flynn", "gpt", "claude")
	ctx := context.Background()
	parent, _ := e.coord.CreateChat(ctx, []string{"flynn", "gpt"}, "main", "", "")
	child, err := e.coord.CreateChat(ctx, []string{"claude"}, "Research", "Look it up.", parent)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := e.coord.SetConclusion(ctx, child, "42"); err != nil {
		t.Fatalf("set conclusion: %v", err)
	}
	ch, _ := e.store.GetChat(ctx, child)
	if ch.Conclusion != "42" {
		t.Fatalf("conclusion not stored: %+v", ch)
	}
	relayed := e.inbox(t, parent, "flynn")
	if len(relayed) != 1 || !strings.Contains(relayed[0].Content.Text, "Research") || !strings.Contains(relayed[0].Content.Text, "42") {
		t.Fatalf("unexpected relay: %+v", relayed)
	}

	if err := e.coord.SetConclusion(ctx, child, "43"); !errors.Is(err, timeline.ErrConclusionSet) {
		t.Fatalf("expected ErrConclusionSet, got %v", err)
	}
}

func TestSetConclusion_FailedRelayPublishesNothing(t *testing.T) {
	e := newTestEnv(t, "flynn", "gpt", "claude")
	ctx := context.Background()
	parent, _ := e.coord.CreateChat(ctx, []string{"flynn", "gpt"}, "main", "", "")
	child, _ := e.coord.CreateChat(ctx, []string{"claude"}, "Research", "", parent)

	boom := errors.New("parent inbox unavailable")
	parentInbox := e.topo.Names().ChatInbox(parent, "flynn")
	e.broker.PublishHook = func(msgs []bus.Message) error {
		for _, m := range msgs {
			if m.Topic == parentInbox {
				return boom
			}
		}
		return nil
	}
	if err := e.coord.SetConclusion(ctx, child, "42"); !errors.Is(err, boom) {
		t.Fatalf("expected relay failure, got %v", err)
	}
	e.broker.PublishHook = nil

	if got := e.inbox(t, child, "claude"); len(got) != 0 {
		t.Fatalf("announcement escaped a failed conclusion: %+v", got)
	}
	ch, _ := e.store.GetChat(ctx, child)
	if ch.Conclusion != "" {
		t.Fatalf("conclusion stored after failed relay: %q", ch.Conclusion)
	}
	if err := e.coord.SetConclusion(ctx, child, "42"); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestLoad_RebuildsDirectory(t *testing.T) {
	e := newTestEnv(t, "flynn", "gpt")
	ctx := context.Background()
	chatID, _ := e.coord.CreateChat(ctx, []string{"flynn", "gpt"}, "", "", "")

	fresh := NewCoordinator(e.store, group.NewManager(bus.NewMemoryBroker(), group.Options{}))
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := fresh.Members(chatID); len(got) != 2 {
		t.Fatalf("directory not rebuilt: %v", got)
	}
	if _, err := fresh.RecordAndBroadcast(ctx, chatID, "after restart", "flynn"); err != nil {
		t.Fatalf("record after load: %v", err)
	}
	if got := fresh.ChatsOf("gpt"); len(got) != 1 || got[0] != chatID {
		t.Fatalf("ChatsOf: %v", got)
	}
}

func TestSync_PicksUpChatFromAnotherProcess(t *testing.T) {
	e := newTestEnv(t, "flynn", "gpt")
	ctx := context.Background()

	seeder := NewCoordinator(e.store, group.NewManager(e.broker, group.Options{}))
	chatID, err := seeder.CreateChat(ctx, []string{"flynn", "gpt"}, "seeded", "", "")
	if err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if _, err := e.coord.RecordAndBroadcast(ctx, chatID, "too early", "gpt"); !errors.Is(err, ErrUnknownChat) {
		t.Fatalf("expected ErrUnknownChat before sync, got %v", err)
	}

	if err := e.coord.Sync(ctx, chatID); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := e.coord.RecordAndBroadcast(ctx, chatID, "hello", "gpt"); err != nil {
		t.Fatalf("record after sync: %v", err)
	}
	if got := e.inbox(t, chatID, "flynn"); len(got) != 1 || got[0].Content.Text != "hello" {
		t.Fatalf("unexpected inbox: %+v", got)
	}
	if err := e.coord.Sync(ctx, "missing"); !errors.Is(err, timeline.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
