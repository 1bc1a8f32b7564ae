// Package gateway exposes the HTTP control surface, the chat API, metrics and
// the websocket event stream for the human member's client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/socmind/socmind/internal/chat"
	"github.com/socmind/socmind/internal/consensus"
	"github.com/socmind/socmind/internal/group"
	"github.com/socmind/socmind/internal/program"
	"github.com/socmind/socmind/internal/timeline"
)

// Options wires the gateway to the rest of the process.
type Options struct {
	Coordinator    *chat.Coordinator
	Engine         *consensus.Engine
	Controller     *program.Controller
	Topology       *group.Manager
	Hub            *Hub
	Gatherer       prometheus.Gatherer
	HumanID        string
	AllowedOrigins []string
}

// Server serves the gateway routes.
type Server struct {
	coord          *chat.Coordinator
	engine         *consensus.Engine
	ctrl           *program.Controller
	topo           *group.Manager
	hub            *Hub
	gatherer       prometheus.Gatherer
	humanID        string
	allowedOrigins []string
}

// NewServer creates a gateway server. A nil hub gets a fresh one.
func NewServer(opts Options) *Server {
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		coord:          opts.Coordinator,
		engine:         opts.Engine,
		ctrl:           opts.Controller,
		topo:           opts.Topology,
		hub:            hub,
		gatherer:       gatherer,
		humanID:        opts.HumanID,
		allowedOrigins: opts.AllowedOrigins,
	}
}

// Hub returns the websocket hub, which also serves as the controller's
// typing observer.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/program/set-chat-delay", s.handleSetDelay)
	mux.HandleFunc("POST /api/program/pause-chat", s.handlePause)
	mux.HandleFunc("POST /api/program/resume-chat", s.handleResume)
	mux.HandleFunc("POST /api/program/set-auto-pause", s.handleSetAutoPause)
	mux.HandleFunc("POST /api/program/auto-pause-status", s.handleStatus)
	mux.HandleFunc("GET /api/program/auto-pause-status", s.handleStatus)

	mux.HandleFunc("GET /api/members", s.handleListMembers)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.handleChatHistory)
	mux.HandleFunc("POST /api/chats/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /api/chats/{id}/members", s.handleAddMember)
	mux.HandleFunc("GET /api/chats/{id}/proposal", s.handleProposal)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return s.cors(mux)
}

// Run serves on addr and relays the human member's traffic to websocket
// clients until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.topo != nil && s.humanID != "" {
		rl := &relay{
			topo:    s.topo,
			coord:   s.coord,
			hub:     s.hub,
			humanID: s.humanID,
			running: make(map[string]bool),
		}
		if err := s.topo.EnsureMemberControl(ctx, s.humanID); err != nil {
			return fmt.Errorf("gateway control channel: %w", err)
		}
		go rl.run(ctx, s.coord.ChatsOf(s.humanID))
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOriginAllowed(r, s.allowedOrigins) {
			if origin := r.Header.Get("Origin"); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed accepts every origin when the allow list is empty.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrUnknownChat), errors.Is(err, timeline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, timeline.ErrConclusionSet):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSetDelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delay *int64 `json:"delay"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Delay == nil || *req.Delay < 0 {
		writeError(w, http.StatusBadRequest, errors.New("delay must be a non-negative number of milliseconds"))
		return
	}
	s.ctrl.SetDelay(time.Duration(*req.Delay) * time.Millisecond)
	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Chat delay set to %d ms", *req.Delay)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause()
	writeJSON(w, http.StatusOK, messageResponse{Message: "Chat paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	// Replays run in the background; the request never waits on model calls.
	n, _ := s.ctrl.Resume(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, struct {
		Message  string `json:"message"`
		Replayed int    `json:"replayed"`
	}{Message: "Chat resumed", Replayed: n})
}

func (s *Server) handleSetAutoPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled   *bool `json:"enabled"`
		Threshold *int  `json:"threshold"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st := s.ctrl.Status()
	enabled, threshold := st.Enabled, st.Threshold
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if req.Threshold != nil {
		if *req.Threshold < 1 {
			writeError(w, http.StatusBadRequest, errors.New("threshold must be at least 1"))
			return
		}
		threshold = *req.Threshold
	}
	s.ctrl.SetAutoPause(enabled, threshold)
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Auto-pause %s with threshold %d", state, threshold),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.coord.Store().ListMembers(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

type chatView struct {
	timeline.Chat
	Members []string `json:"members"`
}

func (s *Server) listChats(ctx context.Context) ([]chatView, error) {
	chats, err := s.coord.Store().ListChats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]chatView, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatView{Chat: c, Members: s.coord.Members(c.ID)})
	}
	return out, nil
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.listChats(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Members []string `json:"members"`
		Name    string   `json:"name"`
		Topic   string   `json:"topic"`
		Parent  string   `json:"parentId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Members) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("members is required"))
		return
	}
	id, err := s.coord.CreateChat(r.Context(), req.Members, req.Name, req.Topic, req.Parent)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := s.coord.Store().GetChat(r.Context(), chatID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	msgs, err := s.coord.Store().ChatHistory(r.Context(), chatID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	id, err := s.engine.Submit(r.Context(), r.PathValue("id"), req.Text, s.humanID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	msg, err := s.coord.Store().GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID     string `json:"memberId"`
		Instructions string `json:"instructions"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, errors.New("memberId is required"))
		return
	}
	if err := s.coord.AddMember(r.Context(), r.PathValue("id"), req.MemberID, req.Instructions); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: req.MemberID + " added"})
}

func (s *Server) handleProposal(w http.ResponseWriter, r *http.Request) {
	p, ok := s.engine.Pending(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"pending": false})
		return
	}
	voters := make([]string, 0, len(p.Voters))
	for id := range p.Voters {
		voters = append(voters, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":  true,
		"kind":     p.Kind,
		"proposer": p.ProposerID,
		"summary":  p.Summary(),
		"voters":   voters,
	})
}
