package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/sysagent/internal/timeline"
)

// waitPending polls until a call is suspended. It uses t.Error so it is safe
// from helper goroutines.
func waitPending(t *testing.T, m *Manager) PendingCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := m.Pending(); len(p) > 0 {
			return p[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no pending approval appeared")
	return PendingCall{}
}

func TestApproved(t *testing.T) {
	m := NewManager(nil, nil)

	go func() {
		p := waitPending(t, m)
		if err := m.Respond(p.ID, Approved()); err != nil {
			t.Errorf("respond failed: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := m.Present(ctx, PendingCall{Capability: "run_command"})
	if err != nil {
		t.Fatalf("present failed: %v", err)
	}
	if !d.IsApproved() {
		t.Fatal("expected approved")
	}
	if len(m.Pending()) != 0 {
		t.Fatal("expected pending entry to be removed")
	}
}

func TestDenied(t *testing.T) {
	m := NewManager(nil, nil)

	go func() {
		p := waitPending(t, m)
		if err := m.Respond(p.ID, Declined("too risky")); err != nil {
			t.Errorf("respond failed: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := m.Present(ctx, PendingCall{Capability: "run_command"})
	if err != nil {
		t.Fatalf("present failed: %v", err)
	}
	if d.IsApproved() || d.Reason() != "too risky" {
		t.Fatalf("unexpected decision %v", d)
	}
}

func TestTimeout(t *testing.T) {
	m := NewManager(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d, err := m.Present(ctx, PendingCall{Capability: "run_command"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if d.IsApproved() {
		t.Fatal("expected no approval on timeout")
	}
}

func TestRespondNonexistent(t *testing.T) {
	m := NewManager(nil, nil)
	if err := m.Respond("nonexistent", Approved()); !errors.Is(err, ErrUnknownApproval) {
		t.Fatalf("expected ErrUnknownApproval, got %v", err)
	}
}

func TestRespondTwice(t *testing.T) {
	m := NewManager(nil, nil)
	done := make(chan Decision, 1)
	go func() {
		d, _ := m.Present(context.Background(), PendingCall{ID: "a1", Capability: "write_file"})
		done <- d
	}()
	waitPending(t, m)

	if err := m.Respond("a1", Declined("first")); err != nil {
		t.Fatal(err)
	}
	// The entry may still exist until Present returns.
	if err := m.Respond("a1", Approved()); err == nil {
		t.Fatal("expected second response to fail")
	} else if !errors.Is(err, ErrAlreadyDecided) && !errors.Is(err, ErrUnknownApproval) {
		t.Fatalf("unexpected error: %v", err)
	}
	if d := <-done; d.Reason() != "first" {
		t.Fatalf("expected first decision to win, got %v", d)
	}
}

type memStore struct {
	mu       sync.Mutex
	inserted []timeline.ApprovalRecord
	statuses map[string]string
}

func (s *memStore) InsertApproval(ctx context.Context, rec *timeline.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, *rec)
	return nil
}

func (s *memStore) UpdateApprovalStatus(ctx context.Context, id, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = map[string]string{}
	}
	s.statuses[id] = status
	return nil
}

func TestManagerPersistsAndNotifies(t *testing.T) {
	store := &memStore{}
	prompts := make(chan string, 1)
	m := NewManager(store, NotifyFunc(func(ctx context.Context, text string) error {
		prompts <- text
		return nil
	}))

	go func() {
		text := <-prompts
		handled, err := m.HandleReply("approve:" + extractID(text))
		if !handled || err != nil {
			t.Errorf("reply not handled: %v %v", handled, err)
		}
	}()

	d, err := m.Present(context.Background(), PendingCall{ID: "x1", Capability: "run_command", Arguments: map[string]any{"command": "ls"}})
	if err != nil || !d.IsApproved() {
		t.Fatalf("expected approval, got %v %v", d, err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserted) != 1 || store.inserted[0].Arguments != `{"command":"ls"}` {
		t.Fatalf("unexpected persisted rows: %+v", store.inserted)
	}
	if store.statuses["x1"] != timeline.ApprovalApproved {
		t.Fatalf("expected approved status, got %q", store.statuses["x1"])
	}
}

func extractID(prompt string) string {
	i := strings.Index(prompt, "approve:")
	rest := prompt[i+len("approve:"):]
	return rest[:strings.IndexByte(rest, '"')]
}

func TestParseResponse(t *testing.T) {
	cases := []struct {
		in       string
		id       string
		approved bool
		reason   string
		ok       bool
	}{
		{"approve:abc", "abc", true, "", true},
		{"  APPROVE: abc ", "abc", true, "", true},
		{"deny:abc not today", "abc", false, "not today", true},
		{"deny:abc", "abc", false, "", true},
		{"hello there", "", false, "", false},
		{"approve:", "", false, "", false},
		{"maybe:abc", "", false, "", false},
		{"No: skip the backup tonight", "", false, "", false},
		{"Yes: go ahead with the plan", "", false, "", false},
	}
	for _, tc := range cases {
		id, d, ok := ParseResponse(tc.in)
		if ok != tc.ok || id != tc.id {
			t.Fatalf("%q: got id=%q ok=%v", tc.in, id, ok)
		}
		if ok && (d.IsApproved() != tc.approved || d.Reason() != tc.reason) {
			t.Fatalf("%q: unexpected decision %v", tc.in, d)
		}
	}
}

func TestHandleReplyIgnoresUnknownApprovals(t *testing.T) {
	m := NewManager(nil, nil)

	for _, text := range []string{"approve:nope", "deny:nope not now", "No: skip the backup tonight", "plain text"} {
		handled, err := m.HandleReply(text)
		if handled || err != nil {
			t.Fatalf("%q: expected ordinary input, got handled=%v err=%v", text, handled, err)
		}
	}
}

func TestHandleReplyAlreadyDecided(t *testing.T) {
	m := NewManager(nil, nil)
	done := make(chan Decision, 1)
	go func() {
		d, _ := m.Present(context.Background(), PendingCall{ID: "a1", Capability: "run_command"})
		done <- d
	}()
	waitPending(t, m)

	m.mu.Lock()
	p := m.pending["a1"]
	p.decided = true
	m.mu.Unlock()

	handled, err := m.HandleReply("deny:a1 late")
	if !handled || !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected already decided, got handled=%v err=%v", handled, err)
	}

	p.ch <- Approved()
	if d := <-done; !d.IsApproved() {
		t.Fatalf("expected the first decision to stand, got %v", d)
	}
}
