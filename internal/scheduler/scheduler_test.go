package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/KafClaw/sysagent/internal/agent"
	"github.com/KafClaw/sysagent/internal/bus"
	"github.com/KafClaw/sysagent/internal/timeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	mu      sync.Mutex
	turns   []agent.Turn
	started []time.Time
	begun   chan struct{}
	release chan struct{}
	respond func(agent.Turn) agent.TurnResult
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{begun: make(chan struct{}, 100)}
}

func (r *fakeRunner) RunTurn(ctx context.Context, turn agent.Turn) agent.TurnResult {
	r.mu.Lock()
	r.turns = append(r.turns, turn)
	r.started = append(r.started, time.Now())
	release := r.release
	respond := r.respond
	r.mu.Unlock()

	r.begun <- struct{}{}
	if release != nil {
		<-release
	}
	if respond != nil {
		return respond(turn)
	}
	if turn.SessionKey == HeartbeatSession {
		return agent.TurnResult{Outcome: agent.OutcomeCompleted, Text: "all quiet " + agent.NoReportMarker}
	}
	return agent.TurnResult{Outcome: agent.OutcomeCompleted, Text: "re: " + turn.Input}
}

func (r *fakeRunner) inputs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.turns {
		if t.SessionKey == HeartbeatSession {
			out = append(out, "<heartbeat>")
			continue
		}
		out = append(out, t.Input)
	}
	return out
}

func (r *fakeRunner) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-r.begun:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never started")
	}
}

type delivery struct{ text, hint string }

type fakeOut struct {
	mu   sync.Mutex
	sent []delivery
	got  chan struct{}
	err  error
}

func newFakeOut() *fakeOut { return &fakeOut{got: make(chan struct{}, 100)} }

func (o *fakeOut) Deliver(ctx context.Context, text, hint string) error {
	o.mu.Lock()
	o.sent = append(o.sent, delivery{text, hint})
	o.mu.Unlock()
	o.got <- struct{}{}
	return o.err
}

func (o *fakeOut) wait(t *testing.T, n int) []delivery {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-o.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d deliveries, got %d", n, i)
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]delivery(nil), o.sent...)
}

type memRecorder struct {
	mu      sync.Mutex
	records []timeline.Record
}

func (r *memRecorder) Append(ctx context.Context, rec *timeline.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func (r *memRecorder) outcomes(kind string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.records {
		if rec.Kind == kind {
			out = append(out, rec.Outcome)
		}
	}
	return out
}

// start runs s in the background and returns a stop function that cancels
// it and waits for Run to return.
func start(t *testing.T, s *Scheduler) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("scheduler did not stop")
			return nil
		}
	}
}

func TestEventsProcessedInFIFOOrder(t *testing.T) {
	q := bus.NewQueue(10)
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	out := newFakeOut()
	s := New(Config{WakeInterval: time.Hour, InitialHeartbeat: true}, q, runner, WithDeliverer(out))
	stop := start(t, s)

	// The heartbeat is in flight; queue two human inputs behind it.
	runner.waitStarted(t)
	ctx := context.Background()
	_ = q.Push(ctx, bus.HumanInput{ID: "a", Text: "A", ReplyChannel: "api:a"})
	_ = q.Push(ctx, bus.HumanInput{ID: "b", Text: "B", ReplyChannel: "api:b"})
	if s.State() != StateDispatching {
		t.Fatalf("expected dispatching state, got %s", s.State())
	}
	close(runner.release)

	sent := out.wait(t, 2)
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	if got := strings.Join(runner.inputs(), ","); got != "<heartbeat>,A,B" {
		t.Fatalf("unexpected dispatch order %s", got)
	}
	if sent[0] != (delivery{"re: A", "api:a"}) || sent[1] != (delivery{"re: B", "api:b"}) {
		t.Fatalf("unexpected deliveries %+v", sent)
	}
}

func TestHeartbeatReportRouting(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		mute    bool
		deliver bool
	}{
		{"report", "Disk usage crossed 90%", false, true},
		{"no report marker", "Checked everything. NO_REPORT", false, false},
		{"muted", "Disk usage crossed 90%", true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := bus.NewQueue(10)
			runner := newFakeRunner()
			runner.respond = func(agent.Turn) agent.TurnResult {
				return agent.TurnResult{Outcome: agent.OutcomeCompleted, Text: tc.text}
			}
			out := newFakeOut()
			s := New(Config{WakeInterval: time.Hour, InitialHeartbeat: true, Mute: tc.mute, NotifyHint: "slack:ops"}, q, runner, WithDeliverer(out))
			stop := start(t, s)
			runner.waitStarted(t)

			// A human input after the heartbeat proves the heartbeat finished.
			_ = q.Push(context.Background(), bus.HumanInput{Text: "ping", ReplyChannel: "api:1"})
			want := 1
			if tc.deliver {
				want = 2
			}
			sent := out.wait(t, want)
			if err := stop(); err != nil {
				t.Fatal(err)
			}
			if tc.deliver && sent[0] != (delivery{tc.text, "slack:ops"}) {
				t.Fatalf("expected report to notify hint, got %+v", sent)
			}
			if !tc.deliver && sent[0].hint != "api:1" {
				t.Fatalf("heartbeat should not have been delivered: %+v", sent)
			}
		})
	}
}

func TestHeartbeatSessionAndPrompt(t *testing.T) {
	q := bus.NewQueue(10)
	runner := newFakeRunner()
	s := New(Config{WakeInterval: time.Hour, InitialHeartbeat: true}, q, runner)
	stop := start(t, s)
	runner.waitStarted(t)
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	turn := runner.turns[0]
	if turn.SessionKey != HeartbeatSession || !strings.Contains(turn.Input, "You are awake") || turn.TraceID == "" {
		t.Fatalf("unexpected heartbeat turn %+v", turn)
	}
}

func TestNextHeartbeatMeasuredFromCompletion(t *testing.T) {
	q := bus.NewQueue(10)
	runner := newFakeRunner()
	runner.respond = func(agent.Turn) agent.TurnResult {
		time.Sleep(120 * time.Millisecond)
		return agent.TurnResult{Outcome: agent.OutcomeCompleted, Text: agent.NoReportMarker}
	}
	s := New(Config{WakeInterval: 60 * time.Millisecond, InitialHeartbeat: true}, q, runner)
	stop := start(t, s)
	runner.waitStarted(t)
	runner.waitStarted(t)
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	gap := runner.started[1].Sub(runner.started[0])
	if gap < 170*time.Millisecond {
		t.Fatalf("next heartbeat started %s after the previous one, want turn time + interval", gap)
	}
}

func TestEnsureFailureSkipsEvent(t *testing.T) {
	q := bus.NewQueue(10)
	runner := newFakeRunner()
	rec := &memRecorder{}
	ensured := make(chan struct{}, 10)
	s := New(Config{WakeInterval: time.Hour}, q, runner,
		WithRecorder(rec),
		WithEnsure(func(ctx context.Context) error {
			ensured <- struct{}{}
			return errors.New("podman not found")
		}),
	)
	stop := start(t, s)

	_ = q.Push(context.Background(), bus.HumanInput{Text: "hello"})
	select {
	case <-ensured:
	case <-time.After(2 * time.Second):
		t.Fatal("ensure never called")
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateDequeuing && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	if len(runner.inputs()) != 0 {
		t.Fatalf("turn ran although the container was unavailable")
	}
	if got := rec.outcomes(timeline.KindSchedule); len(got) != 1 || got[0] != "skipped" {
		t.Fatalf("expected one skipped record, got %v", got)
	}
}

func TestEnsureFailureAnswersSkippedInput(t *testing.T) {
	q := bus.NewQueue(10)
	runner := newFakeRunner()
	out := newFakeOut()
	s := New(Config{WakeInterval: time.Hour}, q, runner,
		WithDeliverer(out),
		WithEnsure(func(ctx context.Context) error { return errors.New("podman not found") }),
	)
	stop := start(t, s)

	_ = q.Push(context.Background(), bus.HumanInput{ID: "r1", Text: "hello", ReplyChannel: "api:r1"})
	sent := out.wait(t, 1)
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	if len(runner.inputs()) != 0 {
		t.Fatalf("turn ran although the container was unavailable")
	}
	if sent[0].hint != "api:r1" {
		t.Fatalf("notice sent to %q, want the reply channel", sent[0].hint)
	}
	if !strings.Contains(sent[0].text, "podman not found") {
		t.Fatalf("notice does not name the cause: %q", sent[0].text)
	}
}

func TestTurnFailureDeliveredAndSchedulerContinues(t *testing.T) {
	q := bus.NewQueue(10)
	runner := newFakeRunner()
	runner.respond = func(turn agent.Turn) agent.TurnResult {
		if turn.Input == "first" {
			return agent.TurnResult{Outcome: agent.OutcomeTurnLimitExceeded, Iterations: 20, Err: agent.ErrTurnLimitExceeded}
		}
		return agent.TurnResult{Outcome: agent.OutcomeCompleted, Text: "fine"}
	}
	out := newFakeOut()
	rec := &memRecorder{}
	s := New(Config{WakeInterval: time.Hour}, q, runner, WithDeliverer(out), WithRecorder(rec))
	stop := start(t, s)

	_ = q.Push(context.Background(), bus.HumanInput{Text: "first", ReplyChannel: "console"})
	_ = q.Push(context.Background(), bus.HumanInput{Text: "second", ReplyChannel: "console"})
	sent := out.wait(t, 2)
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(sent[0].text, "tool-call limit") {
		t.Fatalf("expected explicit failure message, got %q", sent[0].text)
	}
	if sent[1].text != "fine" {
		t.Fatalf("scheduler did not continue: %+v", sent)
	}
	if got := rec.outcomes(timeline.KindDelivery); len(got) != 2 {
		t.Fatalf("expected two delivery records, got %v", got)
	}
}

func TestShutdownFinishesInFlightTurn(t *testing.T) {
	q := bus.NewQueue(10)
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	out := newFakeOut()
	s := New(Config{WakeInterval: time.Hour}, q, runner, WithDeliverer(out))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	_ = q.Push(context.Background(), bus.HumanInput{Text: "long job", ReplyChannel: "console"})
	runner.waitStarted(t)
	cancel()

	select {
	case err := <-errc:
		t.Fatalf("Run returned mid-turn: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.release)
	if err := <-errc; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if sent := out.wait(t, 1); sent[0].text != "re: long job" {
		t.Fatalf("in-flight answer not delivered: %+v", sent)
	}
}

func TestRunStopsWhenQueueClosed(t *testing.T) {
	q := bus.NewQueue(1)
	s := New(Config{WakeInterval: time.Hour}, q, newFakeRunner())
	q.Close()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("expected nil on closed queue, got %v", err)
	}
}

func TestLockRejectsSecondScheduler(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "run", "scheduler.lock")
	q := bus.NewQueue(1)
	first := New(Config{WakeInterval: time.Hour, LockPath: lockPath}, q, newFakeRunner())
	stop := start(t, first)

	deadline := time.Now().Add(2 * time.Second)
	for first.NextHeartbeat().IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := New(Config{WakeInterval: time.Hour, LockPath: lockPath}, bus.NewQueue(1), newFakeRunner())
	if err := second.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := stop(); err != nil {
		t.Fatal(err)
	}
}
