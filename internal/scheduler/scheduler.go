// Package scheduler consumes the event queue and drives one agent turn per
// event, never two at once.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/sysagent/internal/agent"
	"github.com/KafClaw/sysagent/internal/bus"
	"github.com/KafClaw/sysagent/internal/timeline"
)

// Session keys of the two event sources.
const (
	HeartbeatSession = "heartbeat"
	HumanSession     = "human"
)

// DefaultWakeInterval separates the end of one heartbeat turn from the next
// heartbeat.
const DefaultWakeInterval = 1800 * time.Second

// ErrAlreadyRunning is returned by Run when another process holds the lock.
var ErrAlreadyRunning = errors.New("another scheduler holds the lock")

// State is the scheduler's position in its consume loop.
type State int32

const (
	StateIdle State = iota
	StateDequeuing
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateDequeuing:
		return "dequeuing"
	case StateDispatching:
		return "dispatching"
	default:
		return "idle"
	}
}

// Runner runs one conversation turn. *agent.Loop implements it.
type Runner interface {
	RunTurn(ctx context.Context, turn agent.Turn) agent.TurnResult
}

// Deliverer routes a turn's answer to an output destination.
type Deliverer interface {
	Deliver(ctx context.Context, text, hint string) error
}

// EnsureFunc prepares the execution environment before a dispatch.
type EnsureFunc func(ctx context.Context) error

// Config holds scheduler settings.
type Config struct {
	WakeInterval time.Duration
	// InitialHeartbeat enqueues a heartbeat as soon as Run starts. Otherwise
	// the first heartbeat comes one wake interval later.
	InitialHeartbeat bool
	// Mute suppresses heartbeat reports. Failures are still delivered.
	Mute bool
	// NotifyHint is the destination for heartbeat reports.
	NotifyHint string
	// LockPath, when set, makes Run hold an exclusive file lock.
	LockPath string
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithDeliverer sets the output router.
func WithDeliverer(d Deliverer) Option { return func(s *Scheduler) { s.out = d } }

// WithEnsure sets the readiness check run before every dispatch.
func WithEnsure(f EnsureFunc) Option { return func(s *Scheduler) { s.ensure = f } }

// WithRecorder sets the event log.
func WithRecorder(r timeline.Recorder) Option { return func(s *Scheduler) { s.recorder = r } }

// Scheduler is the single consumer of the event queue.
type Scheduler struct {
	cfg      Config
	queue    *bus.Queue
	runner   Runner
	out      Deliverer
	ensure   EnsureFunc
	recorder timeline.Recorder

	state atomic.Int32

	mu            sync.Mutex
	timer         *time.Timer
	nextHeartbeat time.Time
	runCtx        context.Context
}

// New creates a Scheduler.
func New(cfg Config, q *bus.Queue, runner Runner, opts ...Option) *Scheduler {
	if cfg.WakeInterval <= 0 {
		cfg.WakeInterval = DefaultWakeInterval
	}
	s := &Scheduler{
		cfg:    cfg,
		queue:  q,
		runner: runner,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current loop state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// NextHeartbeat returns when the pending heartbeat timer fires, or the zero
// time if none is armed.
func (s *Scheduler) NextHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextHeartbeat
}

// Run consumes events until ctx is cancelled or the queue is closed. An
// in-flight turn always finishes before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.LockPath != "" {
		lock := NewFileLock(s.cfg.LockPath)
		acquired, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("scheduler lock: %w", err)
		}
		if !acquired {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.cfg.LockPath)
		}
		defer lock.Unlock()
	}

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	defer s.stopTimer()

	slog.Info("Scheduler started", "wake_interval", s.cfg.WakeInterval, "initial_heartbeat", s.cfg.InitialHeartbeat)
	if s.cfg.InitialHeartbeat {
		if err := s.queue.Push(ctx, bus.Heartbeat{}); err != nil {
			return fmt.Errorf("enqueue initial heartbeat: %w", err)
		}
	} else {
		s.scheduleHeartbeat()
	}

	for {
		s.state.Store(int32(StateDequeuing))
		ev, err := s.queue.Pop(ctx)
		if err != nil {
			s.state.Store(int32(StateIdle))
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				slog.Info("Scheduler stopped")
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			s.state.Store(int32(StateIdle))
			slog.Info("Scheduler stopped, event left unprocessed", "event", ev.EventName())
			return nil
		}

		s.state.Store(int32(StateDispatching))
		s.dispatch(context.WithoutCancel(ctx), ev)
		s.state.Store(int32(StateIdle))
	}
}

func (s *Scheduler) dispatch(ctx context.Context, ev bus.Event) {
	if s.ensure != nil {
		if err := s.ensure(ctx); err != nil {
			slog.Error("Container not available, skipping event", "event", ev.EventName(), "error", err)
			s.record(ctx, timeline.KindSchedule, "", "skipped", map[string]any{
				"event": ev.EventName(),
				"error": err.Error(),
			})
			switch e := ev.(type) {
			case bus.Heartbeat:
				s.scheduleHeartbeat()
			case bus.HumanInput:
				s.deliver(ctx, e.ID, unavailableMessage(err), e.ReplyChannel)
			}
			return
		}
	}

	switch e := ev.(type) {
	case bus.Heartbeat:
		s.runHeartbeat(ctx, e)
		s.scheduleHeartbeat()
	case bus.HumanInput:
		s.runHumanInput(ctx, e)
	default:
		slog.Warn("Unknown event type", "event", ev.EventName())
	}
}

func (s *Scheduler) runHeartbeat(ctx context.Context, e bus.Heartbeat) {
	traceID := uuid.NewString()
	slog.Info("Wake cycle", "at", e.At.Format(time.RFC3339), "trace_id", traceID)
	s.record(ctx, timeline.KindSchedule, traceID, "dispatched", map[string]any{"event": e.EventName()})

	res := s.runner.RunTurn(ctx, agent.Turn{
		Input:      WakePrompt(time.Now()),
		SessionKey: HeartbeatSession,
		TraceID:    traceID,
	})
	if !res.OK() {
		s.deliver(ctx, traceID, failureMessage("Heartbeat", res), s.cfg.NotifyHint)
		return
	}

	text := strings.TrimSpace(res.Text)
	switch {
	case strings.HasSuffix(text, agent.NoReportMarker):
		slog.Info("Heartbeat completed, nothing to report", "trace_id", traceID)
	case s.cfg.Mute:
		slog.Info("Heartbeat completed, report muted", "trace_id", traceID)
	case text == "":
		slog.Info("Heartbeat completed with an empty answer", "trace_id", traceID)
	default:
		s.deliver(ctx, traceID, text, s.cfg.NotifyHint)
	}
}

func (s *Scheduler) runHumanInput(ctx context.Context, e bus.HumanInput) {
	traceID := e.ID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	slog.Info("Processing human input", "trace_id", traceID, "reply_to", e.ReplyChannel, "preview", preview(e.Text, 100))
	s.record(ctx, timeline.KindSchedule, traceID, "dispatched", map[string]any{
		"event":    e.EventName(),
		"reply_to": e.ReplyChannel,
	})

	res := s.runner.RunTurn(ctx, agent.Turn{
		Input:      e.Text,
		SessionKey: HumanSession,
		TraceID:    traceID,
	})
	text := res.Text
	if !res.OK() {
		text = failureMessage("Request", res)
	}
	s.deliver(ctx, traceID, text, e.ReplyChannel)
}

func (s *Scheduler) deliver(ctx context.Context, traceID, text, hint string) {
	if s.out == nil {
		slog.Info("No output channel, dropping answer", "trace_id", traceID, "preview", preview(text, 200))
		return
	}
	outcome := "sent"
	payload := map[string]any{"hint": hint, "length": len(text)}
	if err := s.out.Deliver(ctx, text, hint); err != nil {
		slog.Error("Delivery failed", "trace_id", traceID, "hint", hint, "error", err)
		outcome = "failed"
		payload["error"] = err.Error()
	}
	s.record(ctx, timeline.KindDelivery, traceID, outcome, payload)
}

// scheduleHeartbeat arms the single heartbeat timer one wake interval from
// now, replacing any armed timer.
func (s *Scheduler) scheduleHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.nextHeartbeat = time.Now().Add(s.cfg.WakeInterval)
	slog.Info("Next heartbeat scheduled", "at", s.nextHeartbeat.Format(time.RFC3339))
	s.timer = time.AfterFunc(s.cfg.WakeInterval, func() {
		s.mu.Lock()
		s.nextHeartbeat = time.Time{}
		s.mu.Unlock()
		if err := s.queue.Push(ctx, bus.Heartbeat{}); err != nil && ctx.Err() == nil {
			slog.Warn("Failed to enqueue heartbeat", "error", err)
		}
	})
}

func (s *Scheduler) stopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextHeartbeat = time.Time{}
}

func (s *Scheduler) record(ctx context.Context, kind, traceID, outcome string, payload map[string]any) {
	if s.recorder == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	recCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.recorder.Append(recCtx, &timeline.Record{
		Kind:    kind,
		TraceID: traceID,
		Outcome: outcome,
		Payload: raw,
	}); err != nil {
		slog.Warn("Failed to append event record", "kind", kind, "error", err)
	}
}

// WakePrompt is the synthetic input of a heartbeat turn.
func WakePrompt(now time.Time) string {
	return fmt.Sprintf("You are awake. Current time: %s.\n"+
		"Review your workspace (CONTEXT.md, TODO.md) and decide what to work on now, then do it.\n"+
		"Finish with a short report for the operator, or end your answer with %s if nothing is worth reporting.",
		now.Format("2006-01-02 15:04:05 MST"), agent.NoReportMarker)
}

func failureMessage(what string, res agent.TurnResult) string {
	switch res.Outcome {
	case agent.OutcomeTurnLimitExceeded:
		return fmt.Sprintf("%s failed: the agent hit its tool-call limit after %d model calls without a final answer.", what, res.Iterations)
	case agent.OutcomeModelFailure:
		return fmt.Sprintf("%s failed: the model could not be reached (%v).", what, res.Err)
	}
	return fmt.Sprintf("%s failed: %v", what, res.Err)
}

func unavailableMessage(err error) string {
	return fmt.Sprintf("Request skipped: the workspace is not available (%v).", err)
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
