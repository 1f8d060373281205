package approval

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingReviewer struct {
	calls    atomic.Int32
	decision Decision
	err      error
}

func (r *countingReviewer) Present(ctx context.Context, call PendingCall) (Decision, error) {
	r.calls.Add(1)
	return r.decision, r.err
}

func TestWhitelistedSkipsReviewer(t *testing.T) {
	rev := &countingReviewer{decision: Declined("should not be asked")}
	g := NewGate(rev)

	d := g.Decide(context.Background(), PendingCall{Capability: "read_file"}, NewWhitelist("read_file", "web_search"))
	if !d.IsApproved() {
		t.Fatalf("expected approval, got %v", d)
	}
	if rev.calls.Load() != 0 {
		t.Fatalf("reviewer consulted %d times for whitelisted call", rev.calls.Load())
	}
}

func TestNonWhitelistedAsksReviewer(t *testing.T) {
	rev := &countingReviewer{decision: Declined("use ls -la")}
	g := NewGate(rev)

	d := g.Decide(context.Background(), PendingCall{Capability: "run_command"}, NewWhitelist("read_file"))
	if d.IsApproved() || d.Reason() != "use ls -la" {
		t.Fatalf("unexpected decision %v", d)
	}
	if rev.calls.Load() != 1 {
		t.Fatalf("expected one reviewer call, got %d", rev.calls.Load())
	}
}

func TestReviewerErrorDeclines(t *testing.T) {
	g := NewGate(&countingReviewer{err: errors.New("chat offline")})
	d := g.Decide(context.Background(), PendingCall{Capability: "run_command"}, Whitelist{})
	if d.IsApproved() || !strings.Contains(d.Reason(), "chat offline") {
		t.Fatalf("unexpected decision %v", d)
	}
}

func TestNilReviewerDeclines(t *testing.T) {
	d := NewGate(nil).Decide(context.Background(), PendingCall{Capability: "write_file"}, Whitelist{})
	if d.IsApproved() {
		t.Fatal("expected decline without reviewer")
	}
}

func TestGateWaitsIndefinitelyByDefault(t *testing.T) {
	m := NewManager(nil, nil)
	g := NewGate(m)
	done := make(chan Decision, 1)
	go func() {
		done <- g.Decide(context.Background(), PendingCall{ID: "slow", Capability: "run_command"}, Whitelist{})
	}()

	select {
	case d := <-done:
		t.Fatalf("gate returned before any decision: %v", d)
	case <-time.After(100 * time.Millisecond):
	}
	if err := m.Respond("slow", Approved()); err != nil {
		t.Fatal(err)
	}
	if d := <-done; !d.IsApproved() {
		t.Fatalf("expected approval, got %v", d)
	}
}

func TestGateTimeoutOption(t *testing.T) {
	g := NewGate(NewManager(nil, nil), WithTimeout(30*time.Millisecond))
	d := g.Decide(context.Background(), PendingCall{Capability: "run_command"}, Whitelist{})
	if d.IsApproved() || d.Reason() != "no decision within 30ms" {
		t.Fatalf("unexpected decision %v", d)
	}
}

func TestGateCancelDeclines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGate(NewManager(nil, nil))
	done := make(chan Decision, 1)
	go func() {
		done <- g.Decide(ctx, PendingCall{Capability: "run_command"}, Whitelist{})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if d := <-done; d.IsApproved() || !strings.Contains(d.Reason(), "cancelled") {
		t.Fatalf("unexpected decision %v", d)
	}
}

func TestParseAnswer(t *testing.T) {
	cases := map[string]Decision{
		"y":                 Approved(),
		"YES":               Approved(),
		"n":                 Declined(""),
		"no":                Declined(""),
		"no, use ls -la":    Declined("use ls -la"),
		"n too broad":       Declined("too broad"),
		"":                  Declined(""),
		"nothing that wide": Declined("nothing that wide"),
	}
	for in, want := range cases {
		if got := ParseAnswer(in); got != want {
			t.Fatalf("%q: got %v, want %v", in, got, want)
		}
	}
}

func TestTerminalReviewer(t *testing.T) {
	pr, pw := io.Pipe()
	var out strings.Builder
	r := NewTerminalReviewer(pr, &out)

	go func() {
		_, _ = io.WriteString(pw, "y\nno, not that file\n")
		_ = pw.Close()
	}()

	ctx := context.Background()
	d, err := r.Present(ctx, PendingCall{Capability: "run_command", Arguments: map[string]any{"command": "ls"}})
	if err != nil || !d.IsApproved() {
		t.Fatalf("expected approval, got %v %v", d, err)
	}
	d, err = r.Present(ctx, PendingCall{Capability: "write_file"})
	if err != nil || d.Reason() != "not that file" {
		t.Fatalf("unexpected decision %v %v", d, err)
	}
	if _, err := r.Present(ctx, PendingCall{Capability: "write_file"}); err == nil {
		t.Fatal("expected error after input closed")
	}
	if !strings.Contains(out.String(), "run_command") {
		t.Fatalf("prompt missing capability: %q", out.String())
	}
}
