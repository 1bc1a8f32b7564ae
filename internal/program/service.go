package program

import (
	"context"
	"log/slog"
	"sync"

	"github.com/socmind/socmind/internal/group"
)

// Directory lists the chats a member belongs to and refreshes a chat that
// may have been created elsewhere.
type Directory interface {
	ChatsOf(memberID string) []string
	Sync(ctx context.Context, chatID string) error
}

// Service consumes every inbox of the automated members and routes each
// message through the controller.
type Service struct {
	topo    *group.Manager
	ctrl    *Controller
	dir     Directory
	members []string

	mu      sync.Mutex
	running map[Key]struct{}
	wg      sync.WaitGroup
}

// NewService creates a consumption service for the given program member ids.
func NewService(topo *group.Manager, ctrl *Controller, dir Directory, memberIDs []string) *Service {
	return &Service{
		topo:    topo,
		ctrl:    ctrl,
		dir:     dir,
		members: memberIDs,
		running: make(map[Key]struct{}),
	}
}

// Run starts consumers for every known chat and listens for new ones. It
// blocks until ctx is cancelled and all consumers have stopped.
func (s *Service) Run(ctx context.Context) error {
	for _, memberID := range s.members {
		if err := s.topo.EnsureMemberControl(ctx, memberID); err != nil {
			return err
		}
	}
	for _, memberID := range s.members {
		for _, chatID := range s.dir.ChatsOf(memberID) {
			s.startChat(ctx, memberID, chatID)
		}
		s.wg.Add(1)
		go func(memberID string) {
			defer s.wg.Done()
			err := s.topo.ConsumeNotifications(ctx, memberID, func(ctx context.Context, ctl group.ControlEnvelope) error {
				s.handleControl(ctx, memberID, ctl)
				return nil
			})
			if err != nil {
				slog.Error("Control consumer stopped", "member_id", memberID, "error", err)
			}
		}(memberID)
	}
	slog.Info("Program service started", "members", s.members)

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

func (s *Service) handleControl(ctx context.Context, memberID string, ctl group.ControlEnvelope) {
	switch ctl.Notification {
	case group.NotificationNewChat:
		if ctl.ChatID == "" {
			return
		}
		if err := s.dir.Sync(ctx, ctl.ChatID); err != nil {
			slog.Warn("Chat sync failed", "member_id", memberID, "chat_id", ctl.ChatID, "error", err)
		}
		s.startChat(ctx, memberID, ctl.ChatID)
	default:
		slog.Debug("Ignoring control notification", "member_id", memberID, "notification", ctl.Notification)
	}
}

// startChat begins consuming memberID's inbox for chatID unless already running.
func (s *Service) startChat(ctx context.Context, memberID, chatID string) {
	key := Key{MemberID: memberID, ChatID: chatID}
	s.mu.Lock()
	if _, ok := s.running[key]; ok {
		s.mu.Unlock()
		return
	}
	s.running[key] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
		}()
		slog.Info("Inbox consumer started", "member_id", memberID, "chat_id", chatID)
		err := s.topo.Consume(ctx, memberID, chatID, func(ctx context.Context, env group.Envelope) error {
			// admitted in delivery order; the rest runs asynchronously so a
			// newer message can displace one still waiting
			pass := s.ctrl.Admit(memberID, env)
			if pass == nil {
				return nil
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				pass(ctx)
			}()
			return nil
		})
		if err != nil {
			slog.Error("Inbox consumer stopped", "member_id", memberID, "chat_id", chatID, "error", err)
		}
	}()
}

// Running reports whether an inbox consumer is active for the pair.
func (s *Service) Running(memberID, chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[Key{MemberID: memberID, ChatID: chatID}]
	return ok
}
