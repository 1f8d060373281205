// Package agent implements the tool-invocation conversation loop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/sysagent/internal/approval"
	"github.com/KafClaw/sysagent/internal/provider"
	"github.com/KafClaw/sysagent/internal/timeline"
	"github.com/KafClaw/sysagent/internal/tools"
)

// DefaultMaxIterations bounds the model calls of one turn.
const DefaultMaxIterations = 20

// continuePrompt is appended when the model stops for a reason other than
// a final answer or tool calls (e.g. the length limit).
const continuePrompt = "continue"

var (
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
	ErrModelFailure      = errors.New("model collaborator failure")
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeTurnLimitExceeded Outcome = "turn_limit_exceeded"
	OutcomeModelFailure      Outcome = "model_failure"
)

// SessionStore persists conversation history between turns.
type SessionStore interface {
	Load(key string) ([]provider.Message, error)
	Save(key string, msgs []provider.Message) error
}

// LoopOptions contains configuration for the agent loop.
type LoopOptions struct {
	Provider  provider.LLMProvider
	Registry  *tools.Registry
	Gate      *approval.Gate
	Whitelist approval.Whitelist
	Recorder  timeline.Recorder
	Sessions  SessionStore
	Prompt    PromptSource
	Observer  Observer

	Model         string
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	// PersistConversation carries history across turns of the same session
	// key. When false every turn starts from the system prompt.
	PersistConversation bool
	// CompressAfter summarizes persisted history longer than this many
	// messages before the next turn. Zero disables compression.
	CompressAfter int
}

// Turn is one triggering input.
type Turn struct {
	Input      string
	SessionKey string
	TraceID    string
}

// Invocation is one processed tool call of a turn.
type Invocation struct {
	Call     provider.ToolCall
	Decision approval.Decision
	// Result is nil when the call was declined.
	Result   *tools.Result
	Content  string
	Duration time.Duration
}

// TurnResult is the outcome of RunTurn. Conversation is a snapshot of the
// state at the end of the turn, kept on failures too.
type TurnResult struct {
	TraceID      string
	Outcome      Outcome
	Text         string
	Err          error
	Iterations   int
	Invocations  []Invocation
	Conversation []provider.Message
	Usage        provider.Usage
}

// OK reports whether the turn produced a final answer.
func (r TurnResult) OK() bool { return r.Outcome == OutcomeCompleted }

// Loop drives the conversation between the model, the confirmation gate and
// the capability registry. It is not safe for concurrent turns; the
// scheduler serializes them.
type Loop struct {
	provider      provider.LLMProvider
	registry      *tools.Registry
	gate          *approval.Gate
	whitelist     approval.Whitelist
	recorder      timeline.Recorder
	sessions      SessionStore
	prompt        PromptSource
	observer      Observer
	model         string
	maxIterations int
	maxTokens     int
	temperature   float64
	persist       bool
	compressAfter int
}

// NewLoop creates a new agent loop.
func NewLoop(opts LoopOptions) *Loop {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry(0)
	}
	gate := opts.Gate
	if gate == nil {
		gate = approval.NewGate(nil)
	}
	return &Loop{
		provider:      opts.Provider,
		registry:      registry,
		gate:          gate,
		whitelist:     opts.Whitelist,
		recorder:      opts.Recorder,
		sessions:      opts.Sessions,
		prompt:        opts.Prompt,
		observer:      opts.Observer,
		model:         opts.Model,
		maxIterations: maxIter,
		maxTokens:     opts.MaxTokens,
		temperature:   opts.Temperature,
		persist:       opts.PersistConversation,
		compressAfter: opts.CompressAfter,
	}
}

// Registry returns the capability registry the loop invokes.
func (l *Loop) Registry() *tools.Registry { return l.registry }

// RunTurn processes one input to a final answer or a turn-level failure.
// Capability failures and declines never end the turn; they are fed back to
// the model as tool results.
func (l *Loop) RunTurn(ctx context.Context, turn Turn) TurnResult {
	if turn.TraceID == "" {
		turn.TraceID = uuid.NewString()
	}
	started := time.Now()
	m := &machine{traceID: turn.TraceID, state: StateIdle, observer: l.observer}

	conv := NewConversation(l.systemPrompt(), l.loadHistory(ctx, turn.SessionKey))
	conv.Append(provider.Message{Role: provider.RoleUser, Content: turn.Input})

	result := TurnResult{TraceID: turn.TraceID}
	defs := l.toolDefinitions()

	slog.Info("Turn started", "trace_id", turn.TraceID, "session", turn.SessionKey, "input_len", len(turn.Input))

	for i := 1; i <= l.maxIterations; i++ {
		m.iteration = i
		result.Iterations = i
		m.moveTo(StateAwaitingModel, nil)

		resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    conv.Snapshot(),
			Tools:       defs,
			Model:       l.model,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			m.moveTo(StateFailed, nil)
			slog.Error("Model call failed", "trace_id", turn.TraceID, "iteration", i, "error", err)
			result.Outcome = OutcomeModelFailure
			result.Err = fmt.Errorf("%w: %v", ErrModelFailure, err)
			result.Text = fmt.Sprintf("The model could not be reached: %v", err)
			return l.finish(ctx, turn, conv, result, started)
		}
		addUsage(&result.Usage, resp.Usage)
		l.recordModelResponse(ctx, turn.TraceID, i, resp)

		conv.Append(provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if !resp.HasToolCalls() {
			if isFinal(resp.FinishReason) {
				m.moveTo(StateResponding, nil)
				result.Outcome = OutcomeCompleted
				result.Text = resp.Content
				return l.finish(ctx, turn, conv, result, started)
			}
			slog.Debug("Model stopped early, asking it to continue", "trace_id", turn.TraceID, "finish_reason", resp.FinishReason)
			conv.Append(provider.Message{Role: provider.RoleUser, Content: continuePrompt})
			continue
		}

		m.moveTo(StateInvoking, nil)
		if strings.TrimSpace(resp.Content) != "" {
			slog.Info("Model commentary", "trace_id", turn.TraceID, "content", truncateStr(resp.Content, 500))
		}
		// Calls run one at a time in the order the model emitted them.
		for _, call := range resp.ToolCalls {
			inv := l.invoke(ctx, m, call)
			result.Invocations = append(result.Invocations, inv)
			conv.Append(provider.Message{
				Role:       provider.RoleTool,
				Content:    inv.Content,
				ToolCallID: call.ID,
			})
		}
	}

	m.moveTo(StateFailed, nil)
	slog.Warn("Turn limit exceeded", "trace_id", turn.TraceID, "max_iterations", l.maxIterations)
	result.Outcome = OutcomeTurnLimitExceeded
	result.Err = fmt.Errorf("%w: no final answer after %d model calls", ErrTurnLimitExceeded, l.maxIterations)
	result.Text = fmt.Sprintf("Stopped: no final answer after %d model calls.", l.maxIterations)
	return l.finish(ctx, turn, conv, result, started)
}

// invoke runs one tool call through the gate and, if approved, the registry.
func (l *Loop) invoke(ctx context.Context, m *machine, call provider.ToolCall) Invocation {
	start := time.Now()
	inv := Invocation{Call: call}

	m.moveTo(StateAwaitingConfirmation, &call)
	inv.Decision = l.gate.Decide(ctx, approval.PendingCall{
		ID:         call.ID,
		Capability: call.Name,
		Arguments:  call.Arguments,
		TraceID:    m.traceID,
		CreatedAt:  start,
	}, l.whitelist)

	if !inv.Decision.IsApproved() {
		slog.Info("Tool call declined", "trace_id", m.traceID, "tool", call.Name, "reason", inv.Decision.Reason())
		inv.Content = tools.EncodeDeclined(inv.Decision.Reason())
	} else {
		m.moveTo(StateExecuting, &call)
		var res tools.Result
		if call.Arguments == nil && strings.TrimSpace(call.RawArguments) != "" {
			res = tools.Fail(tools.KindInvalidArguments, "invalid JSON in arguments for %s: %s", call.Name, truncateStr(call.RawArguments, 200))
		} else {
			res = l.registry.Invoke(ctx, call.Name, call.Arguments)
		}
		if !res.OK() {
			slog.Warn("Tool call failed", "trace_id", m.traceID, "tool", call.Name, "error", res.Failure)
		} else {
			slog.Debug("Tool executed", "trace_id", m.traceID, "tool", call.Name)
		}
		inv.Result = &res
		inv.Content = res.Encode()
	}
	inv.Duration = time.Since(start)

	m.moveTo(StateResultCollected, &call)
	l.recordToolUse(ctx, m.traceID, inv)
	return inv
}

func (l *Loop) finish(ctx context.Context, turn Turn, conv *Conversation, result TurnResult, started time.Time) TurnResult {
	result.Conversation = conv.Snapshot()
	if l.persist && l.sessions != nil && turn.SessionKey != "" {
		if err := l.sessions.Save(turn.SessionKey, conv.History()); err != nil {
			slog.Warn("Failed to save session", "session", turn.SessionKey, "error", err)
		}
	}
	l.recordTurn(ctx, turn, result, time.Since(started))
	slog.Info("Turn finished", "trace_id", turn.TraceID, "outcome", result.Outcome,
		"iterations", result.Iterations, "invocations", len(result.Invocations), "duration", time.Since(started))
	return result
}

func (l *Loop) systemPrompt() string {
	if l.prompt == nil {
		return ""
	}
	return l.prompt.Build()
}

func (l *Loop) loadHistory(ctx context.Context, key string) []provider.Message {
	if !l.persist || l.sessions == nil || key == "" {
		return nil
	}
	history, err := l.sessions.Load(key)
	if err != nil {
		slog.Warn("Failed to load session, starting fresh", "session", key, "error", err)
		return nil
	}
	if l.compressAfter > 0 && len(history) > l.compressAfter {
		summary, err := l.Compress(ctx, history)
		if err != nil {
			slog.Warn("History compression failed, keeping full history", "session", key, "error", err)
			return history
		}
		slog.Info("Compressed session history", "session", key, "messages", len(history))
		if summary == "" {
			return nil
		}
		return []provider.Message{{Role: provider.RoleUser, Content: "Summary of the earlier conversation:\n\n" + summary}}
	}
	return history
}

func (l *Loop) toolDefinitions() []provider.ToolDefinition {
	list := l.registry.List()
	defs := make([]provider.ToolDefinition, 0, len(list))
	for _, d := range list {
		defs = append(defs, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return defs
}

func (l *Loop) recordToolUse(ctx context.Context, traceID string, inv Invocation) {
	outcome := "declined"
	if inv.Result != nil {
		outcome = inv.Result.Outcome()
	}
	payload := map[string]any{
		"call_id":     inv.Call.ID,
		"capability":  inv.Call.Name,
		"arguments":   inv.Call.Arguments,
		"duration_ms": inv.Duration.Milliseconds(),
		"result":      json.RawMessage(inv.Content),
	}
	if inv.Call.Arguments == nil && inv.Call.RawArguments != "" {
		payload["raw_arguments"] = inv.Call.RawArguments
	}
	if !inv.Decision.IsApproved() {
		payload["reason"] = inv.Decision.Reason()
	}
	l.record(ctx, timeline.KindToolUse, traceID, outcome, payload)
}

func (l *Loop) recordModelResponse(ctx context.Context, traceID string, iteration int, resp *provider.ChatResponse) {
	names := make([]string, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		names[i] = tc.Name
	}
	l.record(ctx, timeline.KindLLMOutput, traceID, resp.FinishReason, map[string]any{
		"iteration":         iteration,
		"model":             l.model,
		"finish_reason":     resp.FinishReason,
		"content":           truncateStr(resp.Content, 10240),
		"tool_calls":        names,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	})
}

func (l *Loop) recordTurn(ctx context.Context, turn Turn, result TurnResult, d time.Duration) {
	payload := map[string]any{
		"session":      turn.SessionKey,
		"input":        truncateStr(turn.Input, 2048),
		"text":         truncateStr(result.Text, 10240),
		"iterations":   result.Iterations,
		"invocations":  len(result.Invocations),
		"duration_ms":  d.Milliseconds(),
		"total_tokens": result.Usage.TotalTokens,
	}
	if result.Err != nil {
		payload["error"] = result.Err.Error()
	}
	l.record(ctx, timeline.KindTurn, turn.TraceID, string(result.Outcome), payload)
}

func (l *Loop) record(ctx context.Context, kind, traceID, outcome string, payload map[string]any) {
	if l.recorder == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Failed to encode event record", "kind", kind, "error", err)
		return
	}
	// The record outlives a cancelled turn context.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := l.recorder.Append(recCtx, &timeline.Record{
		Kind:    kind,
		TraceID: traceID,
		Outcome: outcome,
		Payload: raw,
	}); err != nil {
		slog.Warn("Failed to append event record", "kind", kind, "trace_id", traceID, "error", err)
	}
}

func isFinal(finishReason string) bool {
	switch finishReason {
	case "", provider.FinishStop, provider.FinishToolCalls:
		return true
	}
	return false
}

func addUsage(total *provider.Usage, u provider.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}

// truncateStr returns s trimmed to maxLen bytes.
func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
