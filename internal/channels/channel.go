// Package channels routes agent answers to output destinations.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownChannel is returned when neither the hinted channel nor the
// fallback is registered.
var ErrUnknownChannel = errors.New("unknown output channel")

// Channel sends text to one destination kind. chatID is the part of the
// destination hint after "name:" and may be empty.
type Channel interface {
	Name() string
	Send(ctx context.Context, chatID, text string) error
}

// Retryable marks an error the router may retry.
type Retryable interface {
	Retryable() bool
}

// transientError wraps an error as retryable.
type transientError struct {
	err   error
	after time.Duration
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

// Transient marks err as retryable, optionally after a server-requested
// delay.
func Transient(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err, after: after}
}

// ParseHint splits a destination hint "name:chat" into its parts. A hint
// without a colon names only the channel.
func ParseHint(hint string) (name, chatID string) {
	hint = strings.TrimSpace(hint)
	name, chatID, _ = strings.Cut(hint, ":")
	return strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(chatID)
}

// Router dispatches answers by destination hint.
type Router struct {
	mu        sync.RWMutex
	channels  map[string]Channel
	fallback  string
	attempts  int
	baseDelay time.Duration
}

// NewRouter creates a router that sends unroutable answers to fallback, a
// destination hint such as "console" or "slack:C0123".
func NewRouter(fallback string) *Router {
	return &Router{
		channels:  make(map[string]Channel),
		fallback:  fallback,
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
	}
}

// Register adds ch, replacing a channel with the same name.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[strings.ToLower(ch.Name())] = ch
}

// Lookup returns the channel registered under name.
func (r *Router) Lookup(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[strings.ToLower(name)]
	return ch, ok
}

// Names lists registered channels.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fallback returns the default destination hint.
func (r *Router) Fallback() string { return r.fallback }

// Deliver sends text to the channel named by hint, or to the fallback when
// hint is empty or names no registered channel.
func (r *Router) Deliver(ctx context.Context, text, hint string) error {
	ch, chatID, err := r.resolve(hint)
	if err != nil {
		return err
	}
	return withRetry(ctx, r.attempts, r.baseDelay, func() error {
		return ch.Send(ctx, chatID, text)
	})
}

func (r *Router) resolve(hint string) (Channel, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, chatID := ParseHint(hint); name != "" {
		if ch, ok := r.channels[name]; ok {
			return ch, chatID, nil
		}
		slog.Warn("Unknown output channel, using fallback", "hint", hint, "fallback", r.fallback)
	}
	name, chatID := ParseHint(r.fallback)
	if ch, ok := r.channels[name]; ok {
		return ch, chatID, nil
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownChannel, hint)
}

func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		var re Retryable
		if !errors.As(err, &re) || !re.Retryable() || i == attempts-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		var te *transientError
		if errors.As(err, &te) && te.after > delay {
			delay = te.after
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
