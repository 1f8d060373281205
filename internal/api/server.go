// Package api exposes the HTTP surface for operator input, replies and
// pending confirmations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/sysagent/internal/approval"
	"github.com/KafClaw/sysagent/internal/bus"
	"github.com/KafClaw/sysagent/internal/channels"
	"github.com/KafClaw/sysagent/internal/timeline"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Approvals is the remote reviewer. *approval.Manager implements it.
type Approvals interface {
	Pending() []approval.PendingCall
	Respond(id string, d approval.Decision) error
	HandleReply(text string) (bool, error)
}

// EventLister reads the event log. *timeline.Service implements it.
type EventLister interface {
	List(ctx context.Context, filter timeline.Filter) ([]timeline.Record, error)
}

// Options wires the server's collaborators. Approvals, Inbox and Events may
// be nil, which disables their endpoints.
type Options struct {
	Queue     *bus.Queue
	Inbox     *channels.Inbox
	Approvals Approvals
	Events    EventLister
	AuthToken string
}

// Server serves the HTTP API.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// NewServer creates the API handler.
func NewServer(opts Options) *Server {
	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/input", s.handleInput)
	s.mux.HandleFunc("POST /api/bot", s.handleInput)
	s.mux.HandleFunc("GET /api/replies/{id}", s.handleReply)
	s.mux.HandleFunc("GET /api/approvals", s.handleApprovals)
	s.mux.HandleFunc("POST /api/approvals/{id}", s.handleDecide)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.AuthToken != "" && r.URL.Path != "/api/health" {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token != s.opts.AuthToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		slog.Info("API stopped")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type inputRequest struct {
	Message   string `json:"message"`
	ReplyTo   string `json:"reply_to,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var body inputRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}

	// Replies to a pending confirmation resume the waiting turn and never
	// enter the queue. Anything else is ordinary input.
	if s.opts.Approvals != nil {
		handled, err := s.opts.Approvals.HandleReply(msg)
		if handled {
			if err != nil {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "decided"})
			return
		}
	}

	id := strings.TrimSpace(body.MessageID)
	if id == "" {
		id = uuid.NewString()
	}
	replyTo := strings.TrimSpace(body.ReplyTo)
	if replyTo == "" {
		replyTo = "api:" + id
	}
	ev := bus.HumanInput{ID: id, Text: msg, ReplyChannel: replyTo}
	if err := s.opts.Queue.Push(r.Context(), ev); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	slog.Info("Input queued", "id", id, "reply_to", replyTo)
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "id": id})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if s.opts.Inbox == nil {
		writeError(w, http.StatusNotFound, "replies are not collected")
		return
	}
	reply, ok := s.opts.Inbox.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "done",
		"text":         reply.Text,
		"delivered_at": reply.DeliveredAt,
	})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	pending := []approval.PendingCall{}
	if s.opts.Approvals != nil {
		pending = append(pending, s.opts.Approvals.Pending()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type decideRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if s.opts.Approvals == nil {
		writeError(w, http.StatusNotFound, "no remote reviewer")
		return
	}
	var body decideRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	d := approval.Approved()
	if !body.Approved {
		d = approval.Declined(strings.TrimSpace(body.Reason))
	}
	id := r.PathValue("id")
	switch err := s.opts.Approvals.Respond(id, d); {
	case errors.Is(err, approval.ErrUnknownApproval):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "decided", "id": id, "approved": d.IsApproved()})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusNotFound, "event log disabled")
		return
	}
	q := r.URL.Query()
	filter := timeline.Filter{Kind: q.Get("kind"), TraceID: q.Get("trace"), Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	records, err := s.opts.Events.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []timeline.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
