package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/sysagent/internal/timeline"
)

var (
	ErrUnknownApproval = errors.New("no pending approval")
	ErrAlreadyDecided  = errors.New("approval already decided")
)

// Store persists approval requests. *timeline.Service implements it.
type Store interface {
	InsertApproval(ctx context.Context, rec *timeline.ApprovalRecord) error
	UpdateApprovalStatus(ctx context.Context, approvalID, status, reason string) error
}

// Notifier delivers the confirmation prompt to whoever reviews it.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(ctx context.Context, text string) error

func (f NotifyFunc) Notify(ctx context.Context, text string) error { return f(ctx, text) }

type pending struct {
	call    PendingCall
	ch      chan Decision
	decided bool
}

// Manager is a Reviewer for remote operators: each call becomes a pending
// entry that stays suspended until Respond is called for its ID.
type Manager struct {
	mu       sync.Mutex
	pending  map[string]*pending
	store    Store
	notifier Notifier
}

// NewManager creates an approval manager. store and notifier may be nil.
func NewManager(store Store, notifier Notifier) *Manager {
	return &Manager{
		pending:  make(map[string]*pending),
		store:    store,
		notifier: notifier,
	}
}

// Present registers call and blocks until it is decided or ctx is done.
func (m *Manager) Present(ctx context.Context, call PendingCall) (Decision, error) {
	if call.ID == "" {
		call.ID = newApprovalID()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}
	p := &pending{call: call, ch: make(chan Decision, 1)}

	m.mu.Lock()
	if _, exists := m.pending[call.ID]; exists {
		m.mu.Unlock()
		return Decision{}, fmt.Errorf("duplicate approval id %s", call.ID)
	}
	m.pending[call.ID] = p
	m.mu.Unlock()
	defer m.cleanup(call.ID)

	// Persist to timeline (best-effort)
	if m.store != nil {
		argsJSON, _ := json.Marshal(call.Arguments)
		if err := m.store.InsertApproval(ctx, &timeline.ApprovalRecord{
			ApprovalID: call.ID,
			TraceID:    call.TraceID,
			Capability: call.Capability,
			Arguments:  string(argsJSON),
			CreatedAt:  call.CreatedAt,
		}); err != nil {
			slog.Warn("Failed to persist approval request", "id", call.ID, "error", err)
		}
	}
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, FormatPrompt(call)); err != nil {
			slog.Warn("Failed to send approval prompt", "id", call.ID, "error", err)
		}
	}
	slog.Info("Awaiting confirmation", "id", call.ID, "capability", call.Capability)

	select {
	case d := <-p.ch:
		status := timeline.ApprovalDeclined
		if d.IsApproved() {
			status = timeline.ApprovalApproved
		}
		m.persistStatus(call.ID, status, d.Reason())
		return d, nil
	case <-ctx.Done():
		status := timeline.ApprovalCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = timeline.ApprovalExpired
		}
		m.persistStatus(call.ID, status, ctx.Err().Error())
		return Decision{}, ctx.Err()
	}
}

// Respond resumes the call waiting on id.
func (m *Manager) Respond(id string, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, id)
	}
	if p.decided {
		return fmt.Errorf("%w: %s", ErrAlreadyDecided, id)
	}
	p.decided = true
	p.ch <- d
	return nil
}

// Pending lists undecided calls, oldest first.
func (m *Manager) Pending() []PendingCall {
	m.mu.Lock()
	out := make([]PendingCall, 0, len(m.pending))
	for _, p := range m.pending {
		if !p.decided {
			out = append(out, p.call)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HandleReply applies a chat reply of the form accepted by ParseResponse.
// It reports false when text is not a reply to a known approval, so the
// caller can treat it as ordinary input.
func (m *Manager) HandleReply(text string) (bool, error) {
	id, d, ok := ParseResponse(text)
	if !ok {
		return false, nil
	}
	err := m.Respond(id, d)
	if errors.Is(err, ErrUnknownApproval) {
		return false, nil
	}
	return true, err
}

func (m *Manager) persistStatus(id, status, reason string) {
	if m.store == nil {
		return
	}
	// The waiting context may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateApprovalStatus(ctx, id, status, reason); err != nil {
		slog.Warn("Failed to update approval status", "id", id, "status", status, "error", err)
	}
}

func (m *Manager) cleanup(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// FormatPrompt renders the operator-facing confirmation request.
func FormatPrompt(call PendingCall) string {
	args, _ := json.MarshalIndent(call.Arguments, "", "  ")
	var sb strings.Builder
	fmt.Fprintf(&sb, "Confirmation needed for %s\n", call.Capability)
	fmt.Fprintf(&sb, "%s\n", args)
	fmt.Fprintf(&sb, "Reply \"approve:%s\" or \"deny:%s <reason>\"", call.ID, call.ID)
	return sb.String()
}

// ParseResponse parses "approve:<id>" and "deny:<id> [reason]" replies.
func ParseResponse(text string) (id string, d Decision, ok bool) {
	text = strings.TrimSpace(text)
	verb, rest, found := strings.Cut(text, ":")
	if !found {
		return "", Decision{}, false
	}
	rest = strings.TrimSpace(rest)
	id, reason, _ := strings.Cut(rest, " ")
	if id == "" {
		return "", Decision{}, false
	}
	switch strings.ToLower(strings.TrimSpace(verb)) {
	case "approve":
		return id, Approved(), true
	case "deny":
		return id, Declined(strings.TrimSpace(reason)), true
	}
	return "", Decision{}, false
}

func newApprovalID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("appr-%d", time.Now().UnixNano())
}
