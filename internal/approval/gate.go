// Package approval decides whether a capability call may run. Whitelisted
// capabilities pass straight through; everything else waits for a reviewer.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Decision is the immutable outcome of a confirmation.
type Decision struct {
	approved bool
	reason   string
}

// Approved permits the call.
func Approved() Decision { return Decision{approved: true} }

// Declined refuses the call. reason is passed to the model verbatim and may
// be empty.
func Declined(reason string) Decision { return Decision{reason: reason} }

func (d Decision) IsApproved() bool { return d.approved }

func (d Decision) Reason() string { return d.reason }

func (d Decision) String() string {
	if d.approved {
		return "approved"
	}
	if d.reason == "" {
		return "declined"
	}
	return "declined: " + d.reason
}

// PendingCall is a capability call awaiting a decision.
type PendingCall struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments"`
	TraceID    string         `json:"trace_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Reviewer presents a call to a human and returns their decision.
type Reviewer interface {
	Present(ctx context.Context, call PendingCall) (Decision, error)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, call PendingCall) (Decision, error)

func (f ReviewerFunc) Present(ctx context.Context, call PendingCall) (Decision, error) {
	return f(ctx, call)
}

// Whitelist is the set of capabilities that never need confirmation.
type Whitelist struct {
	names map[string]struct{}
}

func NewWhitelist(names ...string) Whitelist {
	w := Whitelist{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n != "" {
			w.names[n] = struct{}{}
		}
	}
	return w
}

func (w Whitelist) Contains(name string) bool {
	_, ok := w.names[name]
	return ok
}

// Names returns the members in sorted order.
func (w Whitelist) Names() []string {
	out := make([]string, 0, len(w.names))
	for n := range w.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Gate routes every call either to auto-approval or to the reviewer.
type Gate struct {
	reviewer Reviewer
	timeout  time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout bounds how long the gate waits for a reviewer. Zero (the
// default) waits indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

func NewGate(reviewer Reviewer, opts ...Option) *Gate {
	g := &Gate{reviewer: reviewer}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Decide always returns a decision. Reviewer errors and cancellation of ctx
// resolve to Declined.
func (g *Gate) Decide(ctx context.Context, call PendingCall, whitelist Whitelist) Decision {
	if whitelist.Contains(call.Capability) {
		return Approved()
	}
	if g.reviewer == nil {
		return Declined("no reviewer is configured to confirm " + call.Capability)
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}

	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	d, err := g.reviewer.Present(waitCtx, call)
	if err != nil {
		switch {
		case g.timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			slog.Warn("Confirmation timed out", "capability", call.Capability, "id", call.ID, "timeout", g.timeout)
			return Declined(fmt.Sprintf("no decision within %s", g.timeout))
		case ctx.Err() != nil:
			return Declined("confirmation cancelled: " + ctx.Err().Error())
		default:
			slog.Warn("Reviewer failed", "capability", call.Capability, "id", call.ID, "error", err)
			return Declined("confirmation failed: " + err.Error())
		}
	}
	return d
}
