package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Coordinator is the write path the engine records through and executes against.
type Coordinator interface {
	RecordAndBroadcast(ctx context.Context, chatID, text, senderID string) (string, error)
	CreateChat(ctx context.Context, memberIDs []string, name, topic, parentChatID string) (string, error)
	SetConclusion(ctx context.Context, chatID, text string) error
	Members(chatID string) []string
}

// Engine inspects every participant message for proposals and votes. Each
// chat is handled under its own lock, so recording, tallying and execution
// for one chat never interleave.
type Engine struct {
	coord Coordinator

	mu    sync.Mutex
	chats map[string]*chatState
}

type chatState struct {
	mu       sync.Mutex
	proposal *Proposal
}

// NewEngine creates an engine on top of a coordinator.
func NewEngine(coord Coordinator) *Engine {
	return &Engine{coord: coord, chats: make(map[string]*chatState)}
}

func (e *Engine) state(chatID string) *chatState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.chats[chatID]
	if !ok {
		st = &chatState{}
		e.chats[chatID] = st
	}
	return st
}

// Pending returns a copy of the chat's outstanding proposal, if any.
func (e *Engine) Pending(chatID string) (Proposal, bool) {
	st := e.state(chatID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.proposal == nil {
		return Proposal{}, false
	}
	p := *st.proposal
	p.Voters = make(map[string]struct{}, len(st.proposal.Voters))
	for id := range st.proposal.Voters {
		p.Voters[id] = struct{}{}
	}
	return p, true
}

// Submit records a message in a chat, applying proposal and vote handling
// for participant messages. It returns the id of the recorded message.
func (e *Engine) Submit(ctx context.Context, chatID, text, senderID string) (string, error) {
	if senderID == "" {
		return e.coord.RecordAndBroadcast(ctx, chatID, text, "")
	}

	st := e.state(chatID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if p, ok := Detect(text); ok {
		id, err := e.coord.RecordAndBroadcast(ctx, chatID, text, senderID)
		if err != nil {
			return "", err
		}
		p.ProposerID = senderID
		p.Voters = map[string]struct{}{senderID: {}}
		if st.proposal != nil {
			slog.Info("Proposal superseded", "chat_id", chatID, "old_kind", st.proposal.Kind, "new_kind", p.Kind, "proposer", senderID)
		}
		st.proposal = p

		decision := EvaluateMajority(p.Voters, e.coord.Members(chatID))
		if _, err := e.coord.RecordAndBroadcast(ctx, chatID, proposalNotice(p, decision), ""); err != nil {
			slog.Warn("Proposal notice failed", "chat_id", chatID, "error", err)
		}
		e.ratify(ctx, chatID, st, decision)
		return id, nil
	}

	if IsApproval(text) && st.proposal != nil {
		id, err := e.coord.RecordAndBroadcast(ctx, chatID, text, senderID)
		if err != nil {
			return "", err
		}
		st.proposal.Voters[senderID] = struct{}{}
		e.ratify(ctx, chatID, st, EvaluateMajority(st.proposal.Voters, e.coord.Members(chatID)))
		return id, nil
	}

	return e.coord.RecordAndBroadcast(ctx, chatID, text, senderID)
}

// ratify executes and clears the proposal once the decision approves it.
// Caller holds st.mu.
func (e *Engine) ratify(ctx context.Context, chatID string, st *chatState, d VoteDecision) {
	if d.Status != VoteStatusApproved {
		slog.Debug("Proposal pending", "chat_id", chatID, "yes", d.Yes, "needed", d.Needed)
		return
	}
	p := st.proposal
	st.proposal = nil
	slog.Info("Proposal ratified", "chat_id", chatID, "kind", p.Kind, "yes", d.Yes, "needed", d.Needed)

	if err := e.execute(ctx, chatID, p); err != nil {
		slog.Warn("Proposal execution failed", "chat_id", chatID, "kind", p.Kind, "error", err)
		msg := fmt.Sprintf("The approved %s could not be carried out: %v", p.Kind, err)
		if _, perr := e.coord.RecordAndBroadcast(ctx, chatID, msg, ""); perr != nil {
			slog.Warn("Execution failure notice failed", "chat_id", chatID, "error", perr)
		}
	}
}

func (e *Engine) execute(ctx context.Context, chatID string, p *Proposal) error {
	switch p.Kind {
	case KindDelegation:
		d := p.Delegation
		newID, err := e.coord.CreateChat(ctx, d.Members, d.Name, d.Task, chatID)
		if err != nil {
			return err
		}
		msg := fmt.Sprintf("Group %q has been created (chat %s). We will hear back from the group once a conclusion has been reached, or when additional information is requested.", d.Name, newID)
		_, err = e.coord.RecordAndBroadcast(ctx, chatID, msg, "")
		return err
	case KindConclusion:
		return e.coord.SetConclusion(ctx, chatID, p.Conclusion.Conclusion)
	default:
		return fmt.Errorf("unknown proposal kind %q", p.Kind)
	}
}

func proposalNotice(p *Proposal, d VoteDecision) string {
	var b strings.Builder
	switch p.Kind {
	case KindDelegation:
		fmt.Fprintf(&b, "New task delegation proposed by %s:\n", p.ProposerID)
	default:
		fmt.Fprintf(&b, "Conclusion proposed by %s:\n", p.ProposerID)
	}
	b.WriteString(p.Summary())
	fmt.Fprintf(&b, "\n\nVotes: %d of %d needed.\n", d.Yes, d.Needed)
	b.WriteString("To vote, reply APPROVE. Only approve a proposal you fully understand and agree with.\n")
	b.WriteString("To propose something else, reply with the new proposal and a new round of voting starts. You may also simply voice your opinion, or stay silent.")
	return b.String()
}
