package agent

import (
	"github.com/KafClaw/sysagent/internal/provider"
)

// State is a position in the per-turn state machine.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingModel        State = "awaiting_model"
	StateResponding           State = "responding"
	StateInvoking             State = "invoking"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StateResultCollected      State = "result_collected"
	StateFailed               State = "failed"
)

// Transition is one state change inside a turn. Call is set for the
// per-invocation states.
type Transition struct {
	TraceID   string
	Iteration int
	From      State
	To        State
	Call      *provider.ToolCall
}

// Observer is notified synchronously of every transition. Implementations
// must not block.
type Observer interface {
	Observe(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) Observe(t Transition) { f(t) }

// machine tracks the current state of one turn.
type machine struct {
	traceID   string
	iteration int
	state     State
	observer  Observer
}

func (m *machine) moveTo(to State, call *provider.ToolCall) {
	from := m.state
	m.state = to
	if m.observer == nil {
		return
	}
	var c *provider.ToolCall
	if call != nil {
		cp := *call
		c = &cp
	}
	m.observer.Observe(Transition{
		TraceID:   m.traceID,
		Iteration: m.iteration,
		From:      from,
		To:        to,
		Call:      c,
	})
}
