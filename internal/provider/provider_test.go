package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/socmind/socmind/internal/timeline"
)

func TestOpenAIProvider_DefaultModel(t *testing.T) {
	p := NewOpenAIProvider("test-key", "", "")
	if p.DefaultModel() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.DefaultModel())
	}

	p = NewOpenAIProvider("test-key", "", "openai/gpt-4")
	if p.DefaultModel() != "openai/gpt-4" {
		t.Errorf("expected model openai/gpt-4, got %s", p.DefaultModel())
	}
}

func TestOpenAIProvider_Chat(t *testing.T) {
	var got openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(openAIResponse{
			Choices: []openAIChoice{{Message: Message{Role: RoleAssistant, Content: "Hello, world!"}, FinishReason: "stop"}},
			Usage:   Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL+"/", "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:  []Message{{Role: RoleUser, Content: "Hello"}},
		MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "Hello, world!" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got.Model != "test-model" || len(got.Messages) != 1 || got.Temperature != nil {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestOpenAIProvider_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := NewOpenAIProvider("k", server.URL, "m")
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("k", server.URL, "m")
	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestBuildConversation(t *testing.T) {
	history := []timeline.Message{
		{Text: "Welcome", Kind: timeline.MessageSystem},
		{SenderID: "flynn", Text: "Hi"},
		{SenderID: "gpt", Text: "Hello"},
	}
	msgs := BuildConversation("gpt", "You are gpt.", "Lead this chat.", history)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[0].Content != "You are gpt.\n\nLead this chat." {
		t.Fatalf("unexpected instructions: %+v", msgs[0])
	}
	if msgs[1].Role != RoleSystem || msgs[2].Role != RoleUser || msgs[3].Role != RoleAssistant {
		t.Fatalf("unexpected roles: %+v", msgs)
	}
	if msgs[2].Content != "flynn: Hi" {
		t.Fatalf("user content should carry the sender: %q", msgs[2].Content)
	}
}

type fakeHistory struct {
	member   timeline.Member
	messages []timeline.Message
}

func (f *fakeHistory) GetMember(_ context.Context, id string) (*timeline.Member, error) {
	if id != f.member.ID {
		return nil, timeline.ErrNotFound
	}
	m := f.member
	return &m, nil
}

func (f *fakeHistory) GetChatMember(context.Context, string, string) (*timeline.ChatMember, error) {
	return nil, timeline.ErrNotFound
}

func (f *fakeHistory) ChatHistory(context.Context, string) ([]timeline.Message, error) {
	return f.messages, nil
}

type fakeLLM struct {
	calls int
	last  *ChatRequest
	reply string
	err   error
}

func (f *fakeLLM) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &ChatResponse{Content: f.reply}, nil
}

func (f *fakeLLM) DefaultModel() string { return "fake" }

func TestReplyGenerator_SilentAfterOwnMessage(t *testing.T) {
	h := &fakeHistory{
		member:   timeline.Member{ID: "gpt"},
		messages: []timeline.Message{{SenderID: "flynn", Text: "hi"}, {SenderID: "gpt", Text: "hello"}},
	}
	llm := &fakeLLM{reply: "again"}
	g := NewReplyGenerator(h)
	g.Register("gpt", Profile{Provider: llm})

	text, err := g.Generate(context.Background(), "gpt", "c1")
	if err != nil || text != "" {
		t.Fatalf("expected silence, got %q %v", text, err)
	}
	if llm.calls != 0 {
		t.Fatal("provider should not be called")
	}
}

func TestReplyGenerator_Generates(t *testing.T) {
	h := &fakeHistory{
		member:   timeline.Member{ID: "gpt"},
		messages: []timeline.Message{{SenderID: "flynn", Text: "hi"}},
	}
	g := NewReplyGenerator(h)
	g.Register("gpt", Profile{Provider: &fakeLLM{reply: "  hello  "}})

	text, err := g.Generate(context.Background(), "gpt", "c1")
	if err != nil || text != "hello" {
		t.Fatalf("unexpected reply %q %v", text, err)
	}
}

func TestReplyGenerator_Errors(t *testing.T) {
	h := &fakeHistory{member: timeline.Member{ID: "gpt"}, messages: []timeline.Message{{SenderID: "flynn", Text: "hi"}}}
	g := NewReplyGenerator(h)
	if _, err := g.Generate(context.Background(), "gpt", "c1"); err == nil {
		t.Fatal("expected error for unregistered member")
	}
	boom := errors.New("boom")
	g.Register("gpt", Profile{Provider: &fakeLLM{err: boom}})
	if _, err := g.Generate(context.Background(), "gpt", "c1"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestAlternateRoles(t *testing.T) {
	msgs := AlternateRoles([]Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "flynn: hi"},
		{Role: RoleUser, Content: "claude: hey"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "flynn: again"},
	})
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %+v", msgs)
	}
	if msgs[1].Role != RoleUser || msgs[1].Content != "flynn: hi\nclaude: hey" {
		t.Fatalf("consecutive user turns not merged: %+v", msgs[1])
	}
	if len(AlternateRoles(nil)) != 0 {
		t.Fatal("empty input should stay empty")
	}
}

func TestReplyGenerator_AlternatesWhenConfigured(t *testing.T) {
	h := &fakeHistory{
		member: timeline.Member{ID: "claude"},
		messages: []timeline.Message{
			{SenderID: "flynn", Text: "hi"},
			{SenderID: "gpt", Text: "hello"},
		},
	}
	plain := &fakeLLM{reply: "ok"}
	merged := &fakeLLM{reply: "ok"}
	g := NewReplyGenerator(h)
	g.Register("claude", Profile{Provider: plain})
	if _, err := g.Generate(context.Background(), "claude", "c1"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(plain.last.Messages) != 2 {
		t.Fatalf("expected two user turns without alternation, got %+v", plain.last.Messages)
	}

	g.Register("claude", Profile{Provider: merged, AlternateRoles: true})
	if _, err := g.Generate(context.Background(), "claude", "c1"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(merged.last.Messages) != 1 || merged.last.Messages[0].Content != "flynn: hi\ngpt: hello" {
		t.Fatalf("expected one merged user turn, got %+v", merged.last.Messages)
	}
	if got := g.Members(); len(got) != 1 || got[0] != "claude" {
		t.Fatalf("unexpected members %v", got)
	}
}

func TestGeminiProvider_Chat(t *testing.T) {
	var got geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "gem-key" {
			t.Errorf("missing api key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"},{"text":"lo"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":2,"totalTokenCount":9}}`))
	}))
	defer server.Close()

	p := NewGeminiProvider("gem-key", server.URL+"/", "gemini-test")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "You are gemini."},
			{Role: RoleSystem, Content: "Topic: pricing"},
			{Role: RoleUser, Content: "flynn: hi"},
			{Role: RoleSystem, Content: "claude has joined the chat."},
			{Role: RoleAssistant, Content: "hello"},
		},
		MaxTokens: 50,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "Hello" || resp.FinishReason != "STOP" || resp.Usage.TotalTokens != 9 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got.SystemInstruction == nil || len(got.SystemInstruction.Parts) != 2 {
		t.Fatalf("leading system messages should become the system instruction: %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 2 || got.Contents[0].Role != "user" || len(got.Contents[0].Parts) != 2 || got.Contents[1].Role != "model" {
		t.Fatalf("unexpected contents: %+v", got.Contents)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.MaxOutputTokens != 50 {
		t.Fatalf("unexpected generation config: %+v", got.GenerationConfig)
	}
}

func TestGeminiProvider_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	p := NewGeminiProvider("k", server.URL, "")
	if p.DefaultModel() != geminiDefaultModel {
		t.Fatalf("unexpected default model %s", p.DefaultModel())
	}
	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestBuild(t *testing.T) {
	for _, id := range []string{"", "openai", "GPT", "anthropic", "claude", "gemini", "google", "openrouter", "deepseek", "groq"} {
		if _, err := Build(id, "k", "", ""); err != nil {
			t.Fatalf("Build(%q): %v", id, err)
		}
	}
	if p, _ := Build("google", "k", "", ""); p.DefaultModel() != geminiDefaultModel {
		t.Fatalf("google should resolve to gemini, got %T", p)
	}
	if p, _ := Build("anthropic", "k", "", ""); !strings.HasPrefix(p.DefaultModel(), "claude") {
		t.Fatalf("unexpected claude default model %s", p.DefaultModel())
	}
	if _, err := Build("vllm", "", "", ""); err == nil {
		t.Fatal("vllm without apiBase should fail")
	}
	if _, err := Build("mystery", "k", "", ""); err == nil {
		t.Fatal("unknown backend should fail")
	}
	if !NeedsAlternation("anthropic") || NeedsAlternation("openai") {
		t.Fatal("only claude needs alternation")
	}
}
