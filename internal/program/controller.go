// Package program decides when automated members reply: it serializes reply
// generation per (member, chat), holds replies back while paused, and feeds
// generated replies back into the chat.
package program

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/socmind/socmind/internal/group"
)

// DefaultAutoPauseThreshold is used when auto-pause is enabled without a threshold.
const DefaultAutoPauseThreshold = 10

// Replier produces a member's next message for a chat. An empty result means
// the member stays silent.
type Replier interface {
	Generate(ctx context.Context, memberID, chatID string) (string, error)
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, memberID, chatID string) (string, error)

func (f ReplierFunc) Generate(ctx context.Context, memberID, chatID string) (string, error) {
	return f(ctx, memberID, chatID)
}

// Sink accepts generated replies.
type Sink interface {
	Submit(ctx context.Context, chatID, text, senderID string) (string, error)
}

// Observer is told when a member starts and stops generating a reply.
type Observer interface {
	Typing(chatID, memberID string, active bool)
}

// Options configures a Controller.
type Options struct {
	HumanID            string
	Delay              time.Duration
	AutoPauseEnabled   bool
	AutoPauseThreshold int
	Observer           Observer
	Metrics            *Metrics
}

// Status is a snapshot of the runtime controls.
type Status struct {
	Paused     bool  `json:"paused"`
	DelayMs    int64 `json:"delayMs"`
	Enabled    bool  `json:"enabled"`
	Threshold  int   `json:"threshold"`
	SinceHuman int   `json:"sinceHuman"`
	Pending    int   `json:"pending"`
}

// Controller gates reply generation for every automated member in the process.
type Controller struct {
	replier  Replier
	sink     Sink
	observer Observer
	metrics  *Metrics
	humanID  string
	locks    *LockTable

	mu         sync.Mutex
	delay      time.Duration
	paused     bool
	autoPause  bool
	threshold  int
	sinceHuman int
	pending    map[Key]group.Envelope
}

// NewController creates a controller. Metrics defaults to unregistered collectors.
func NewController(replier Replier, sink Sink, opts Options) *Controller {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.AutoPauseThreshold <= 0 {
		opts.AutoPauseThreshold = DefaultAutoPauseThreshold
	}
	return &Controller{
		replier:   replier,
		sink:      sink,
		observer:  opts.Observer,
		metrics:   opts.Metrics,
		humanID:   opts.HumanID,
		locks:     NewLockTable(),
		delay:     opts.Delay,
		autoPause: opts.AutoPauseEnabled,
		threshold: opts.AutoPauseThreshold,
		pending:   make(map[Key]group.Envelope),
	}
}

// Handle runs the reply pipeline for one message delivered to memberID.
func (c *Controller) Handle(ctx context.Context, memberID string, env group.Envelope) {
	if pass := c.Admit(memberID, env); pass != nil {
		pass(ctx)
	}
}

// Admit runs the order-sensitive start of the pipeline in the caller's
// goroutine: the self filter, the human counter reset and taking a place at
// the (member, chat) lock. Consumers call it in delivery order; the returned
// pass finishes the pipeline and may run on any goroutine. Admit returns nil
// when there is nothing left to do.
func (c *Controller) Admit(memberID string, env group.Envelope) func(context.Context) {
	if env.SenderID == memberID {
		c.metrics.pass(outcomeSelf)
		return nil
	}
	if c.humanID != "" && env.SenderID == c.humanID {
		c.mu.Lock()
		c.sinceHuman = 0
		c.mu.Unlock()
	}

	key := Key{MemberID: memberID, ChatID: env.ChatID}
	ticket := c.locks.Get(key).Enter()
	return func(ctx context.Context) {
		c.run(ctx, key, env, ticket)
	}
}

func (c *Controller) run(ctx context.Context, key Key, env group.Envelope, ticket *Ticket) {
	release, err := ticket.Wait(ctx)
	if err != nil {
		if errors.Is(err, ErrDisplaced) {
			slog.Debug("Reply superseded by newer message", "member_id", key.MemberID, "chat_id", key.ChatID)
			c.metrics.pass(outcomeDisplaced)
		}
		return
	}
	defer release()

	if c.holdBack(key, env) {
		c.metrics.pass(outcomeDeferred)
		return
	}

	delay := c.Delay()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	c.reply(ctx, key)
}

// holdBack decides whether the message must wait for resume, storing it as the
// key's pending message if so.
func (c *Controller) holdBack(key Key, env group.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused && c.autoPause {
		c.sinceHuman++
		if c.sinceHuman >= c.threshold {
			slog.Info("Auto-pause triggered", "threshold", c.threshold)
			c.sinceHuman = 0
			c.paused = true
			c.metrics.setPaused(true)
		}
	}
	if !c.paused {
		return false
	}
	c.pending[key] = env
	c.metrics.pending.Set(float64(len(c.pending)))
	return true
}

func (c *Controller) reply(ctx context.Context, key Key) {
	if c.observer != nil {
		c.observer.Typing(key.ChatID, key.MemberID, true)
		defer c.observer.Typing(key.ChatID, key.MemberID, false)
	}

	start := time.Now()
	text, err := c.replier.Generate(ctx, key.MemberID, key.ChatID)
	c.metrics.replySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("Reply generation failed", "member_id", key.MemberID, "chat_id", key.ChatID, "error", err)
		c.metrics.pass(outcomeFailed)
		return
	}
	if strings.TrimSpace(text) == "" {
		c.metrics.pass(outcomeSilent)
		return
	}
	if _, err := c.sink.Submit(ctx, key.ChatID, text, key.MemberID); err != nil {
		slog.Warn("Reply submission failed", "member_id", key.MemberID, "chat_id", key.ChatID, "error", err)
		c.metrics.pass(outcomeFailed)
		return
	}
	c.metrics.pass(outcomeReplied)
}

// SetDelay sets the artificial delay applied before each reply.
func (c *Controller) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
	slog.Info("Reply delay set", "delay", d)
}

func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// Pause holds back all replies until Resume.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.metrics.setPaused(true)
	slog.Info("Replies paused")
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Resume unpauses and replays the latest pending message of every (member,
// chat) pair concurrently. It returns the number of replays and a channel
// closed once they have all finished.
func (c *Controller) Resume(ctx context.Context) (int, <-chan struct{}) {
	c.mu.Lock()
	c.paused = false
	pending := c.pending
	c.pending = make(map[Key]group.Envelope)
	c.mu.Unlock()
	c.metrics.setPaused(false)
	c.metrics.pending.Set(0)
	slog.Info("Replies resumed", "pending", len(pending))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for key, env := range pending {
		wg.Add(1)
		go func(memberID string, env group.Envelope) {
			defer wg.Done()
			c.Handle(ctx, memberID, env)
		}(key.MemberID, env)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return len(pending), done
}

// SetAutoPause toggles auto-pause. A non-positive threshold keeps the current one.
func (c *Controller) SetAutoPause(enabled bool, threshold int) {
	c.mu.Lock()
	c.autoPause = enabled
	if threshold > 0 {
		c.threshold = threshold
	}
	c.sinceHuman = 0
	th := c.threshold
	c.mu.Unlock()
	slog.Info("Auto-pause updated", "enabled", enabled, "threshold", th)
}

// Status reports the current runtime controls.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Paused:     c.paused,
		DelayMs:    c.delay.Milliseconds(),
		Enabled:    c.autoPause,
		Threshold:  c.threshold,
		SinceHuman: c.sinceHuman,
		Pending:    len(c.pending),
	}
}
