package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/socmind/socmind/internal/chat"
	"github.com/socmind/socmind/internal/group"
)

// Client-facing event types.
const (
	EventInitialChats = "initialChats"
	EventNewChat      = "newChat"
	EventChatHistory  = "chatHistory"
	EventNewMessage   = "newMessage"
	EventTyping       = "typing"
	EventError        = "error"
)

// Inbound client commands.
const (
	commandJoinChat    = "joinChat"
	commandLeaveChat   = "leaveChat"
	commandSendMessage = "sendMessage"
)

// Event is one frame pushed to websocket clients.
type Event struct {
	Type   string    `json:"type"`
	ChatID string    `json:"chatId,omitempty"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"timestamp"`
}

type clientCommand struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type typingPayload struct {
	MemberID string `json:"memberId"`
	Active   bool   `json:"active"`
}

type hubClient struct {
	send chan Event

	mu     sync.Mutex
	joined map[string]bool
}

func (c *hubClient) inChat(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[chatID]
}

func (c *hubClient) setJoined(chatID string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		c.joined[chatID] = true
		return
	}
	delete(c.joined, chatID)
}

// Hub fans chat events out to websocket clients. Chat-scoped events only go
// to clients that joined the chat.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

func (h *Hub) add() *hubClient {
	c := &hubClient{send: make(chan Event, 64), joined: make(map[string]bool)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Collector exports the connected client count as a gauge.
func (h *Hub) Collector() prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "socmind_websocket_clients",
		Help: "Connected websocket clients.",
	}, func() float64 { return float64(h.Clients()) })
}

// Broadcast sends ev to every client, or only to clients in ev.ChatID for
// chat-scoped events. Slow clients drop events rather than block the hub.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	scoped := ev.Type == EventNewMessage || ev.Type == EventTyping
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if scoped && !c.inChat(ev.ChatID) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			slog.Debug("Dropping event for slow websocket client", "type", ev.Type)
		}
	}
}

// Typing implements the controller's observer.
func (h *Hub) Typing(chatID, memberID string, active bool) {
	h.Broadcast(Event{Type: EventTyping, ChatID: chatID, Data: typingPayload{MemberID: memberID, Active: active}})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, s.allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := s.hub.add()
	defer s.hub.remove(client)

	if chats, err := s.listChats(r.Context()); err == nil {
		client.send <- Event{Type: EventInitialChats, Data: chats, At: time.Now().UTC()}
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case ev := <-client.send:
				if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var cmd clientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.handleCommand(r.Context(), client, cmd)
	}
}

func (s *Server) handleCommand(ctx context.Context, c *hubClient, cmd clientCommand) {
	reply := func(ev Event) {
		ev.At = time.Now().UTC()
		select {
		case c.send <- ev:
		default:
		}
	}
	switch cmd.Type {
	case commandJoinChat:
		history, err := s.coord.Store().ChatHistory(ctx, cmd.ChatID)
		if err != nil {
			reply(Event{Type: EventError, ChatID: cmd.ChatID, Data: err.Error()})
			return
		}
		c.setJoined(cmd.ChatID, true)
		reply(Event{Type: EventChatHistory, ChatID: cmd.ChatID, Data: history})
	case commandLeaveChat:
		c.setJoined(cmd.ChatID, false)
	case commandSendMessage:
		if _, err := s.engine.Submit(ctx, cmd.ChatID, cmd.Text, s.humanID); err != nil {
			reply(Event{Type: EventError, ChatID: cmd.ChatID, Data: err.Error()})
		}
	default:
		reply(Event{Type: EventError, Data: "unknown command " + cmd.Type})
	}
}

// relay consumes the human member's inboxes and control channel and turns
// them into hub events.
type relay struct {
	topo    *group.Manager
	coord   *chat.Coordinator
	hub     *Hub
	humanID string

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

func (rl *relay) run(ctx context.Context, chatIDs []string) {
	for _, id := range chatIDs {
		rl.follow(ctx, id)
	}
	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		err := rl.topo.ConsumeNotifications(ctx, rl.humanID, func(ctx context.Context, ctl group.ControlEnvelope) error {
			if ctl.Notification != group.NotificationNewChat {
				return nil
			}
			if err := rl.coord.Sync(ctx, ctl.ChatID); err != nil {
				slog.Warn("Chat sync failed", "chat_id", ctl.ChatID, "error", err)
			}
			if ch, err := rl.coord.Store().GetChat(ctx, ctl.ChatID); err == nil {
				rl.hub.Broadcast(Event{Type: EventNewChat, ChatID: ch.ID, Data: ch})
			}
			rl.follow(ctx, ctl.ChatID)
			return nil
		})
		if err != nil {
			slog.Error("Gateway control consumer stopped", "member_id", rl.humanID, "error", err)
		}
	}()
	<-ctx.Done()
	rl.wg.Wait()
}

func (rl *relay) follow(ctx context.Context, chatID string) {
	rl.mu.Lock()
	if rl.running[chatID] {
		rl.mu.Unlock()
		return
	}
	rl.running[chatID] = true
	rl.mu.Unlock()

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		err := rl.topo.Consume(ctx, rl.humanID, chatID, func(_ context.Context, env group.Envelope) error {
			rl.hub.Broadcast(Event{Type: EventNewMessage, ChatID: env.ChatID, Data: env})
			return nil
		})
		if err != nil {
			slog.Error("Gateway inbox consumer stopped", "chat_id", chatID, "error", err)
		}
	}()
}
