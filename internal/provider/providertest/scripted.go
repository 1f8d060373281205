// Package providertest provides deterministic LLMProvider doubles.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/KafClaw/sysagent/internal/provider"
)

// Response configures one model turn in a scripted sequence.
type Response struct {
	Message *provider.ChatResponse
	Err     error
}

// Reply is a final answer.
func Reply(text string) Response {
	return Response{Message: &provider.ChatResponse{Content: text, FinishReason: provider.FinishStop}}
}

// Calls requests capability calls, optionally with accompanying text.
func Calls(text string, calls ...provider.ToolCall) Response {
	return Response{Message: &provider.ChatResponse{
		Content:      text,
		ToolCalls:    calls,
		FinishReason: provider.FinishToolCalls,
	}}
}

// Call builds a tool call with decoded arguments.
func Call(id, name string, args map[string]any) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Arguments: args}
}

// Fail makes the turn return err.
func Fail(err error) Response {
	return Response{Err: err}
}

// ScriptedProvider replays responses in order and records every request.
type ScriptedProvider struct {
	mu        sync.Mutex
	index     int
	responses []Response
	requests  []provider.ChatRequest
	model     string
}

func NewScriptedProvider(responses ...Response) *ScriptedProvider {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &ScriptedProvider{
		responses: cloned,
		model:     "scripted",
	}
}

var _ provider.LLMProvider = (*ScriptedProvider)(nil)

func (p *ScriptedProvider) DefaultModel() string { return p.model }

func (p *ScriptedProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := *req
	snapshot.Messages = provider.CloneMessages(req.Messages)
	p.requests = append(p.requests, snapshot)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.index >= len(p.responses) {
		return nil, fmt.Errorf("script exhausted at step %d", p.index+1)
	}
	current := p.responses[p.index]
	p.index++
	if current.Err != nil {
		return nil, current.Err
	}
	resp := *current.Message
	resp.ToolCalls = append([]provider.ToolCall(nil), current.Message.ToolCalls...)
	return &resp, nil
}

// Requests returns every request received so far.
func (p *ScriptedProvider) Requests() []provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ChatRequest(nil), p.requests...)
}

// Remaining is the number of unused scripted responses.
func (p *ScriptedProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.responses) - p.index
}
