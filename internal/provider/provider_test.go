package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry(n int) RetryPolicy {
	return RetryPolicy{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2}
}

func strPtr(s string) *string { return &s }

func TestOpenAIProvider_DefaultModel(t *testing.T) {
	p := NewOpenAIProvider("test-key", "", "")
	if p.DefaultModel() != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %s", p.DefaultModel())
	}

	p = NewOpenAIProvider("test-key", "", "openai/gpt-4")
	if p.DefaultModel() != "openai/gpt-4" {
		t.Errorf("expected model openai/gpt-4, got %s", p.DefaultModel())
	}
}

func TestOpenAIProvider_ParseSimpleResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		resp := openAIResponse{
			Choices: []openAIChoice{
				{
					Message:      openAIMessage{Role: "assistant", Content: strPtr("Hello, world!")},
					FinishReason: "stop",
				},
			},
			Usage: openAIUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:    []Message{{Role: "user", Content: "Hello"}},
		MaxTokens:   100,
		Temperature: 0.7,
	})

	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got '%s'", resp.Content)
	}

	if resp.FinishReason != "stop" {
		t.Errorf("expected finish_reason 'stop', got '%s'", resp.FinishReason)
	}

	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens 15, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIProvider_ParseToolCallResponse(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		resp := openAIResponse{
			Choices: []openAIChoice{
				{
					Message: openAIMessage{
						Role: "assistant",
						ToolCalls: []openAIToolCall{
							{ID: "call_123", Type: "function", Function: openAIFunction{Name: "run_command", Arguments: `{"command":"ls"}`}},
							{ID: "call_456", Type: "function", Function: openAIFunction{Name: "read_file", Arguments: `not json`}},
						},
					},
					FinishReason: "tool_calls",
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "List files"}},
		Tools: []ToolDefinition{{
			Type:     "function",
			Function: FunctionDef{Name: "run_command", Parameters: map[string]any{"type": "object"}},
		}},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if gotBody["tool_choice"] != "auto" {
		t.Errorf("expected tool_choice auto, got %v", gotBody["tool_choice"])
	}
	if !resp.HasToolCalls() || len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_123" || tc.Name != "run_command" || tc.Arguments["command"] != "ls" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if tc.RawArguments != `{"command":"ls"}` {
		t.Errorf("raw arguments not kept: %q", tc.RawArguments)
	}
	bad := resp.ToolCalls[1]
	if bad.Arguments != nil || bad.RawArguments != "not json" {
		t.Errorf("undecodable arguments should stay raw: %+v", bad)
	}
}

func TestOpenAIProvider_SendsToolHistory(t *testing.T) {
	var got struct {
		Messages []map[string]any `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(openAIResponse{Choices: []openAIChoice{{Message: openAIMessage{Content: strPtr("ok")}, FinishReason: "stop"}}})
	}))
	defer server.Close()

	p := NewOpenAIProvider("", server.URL, "m")
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{
		{Role: RoleUser, Content: "go"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "run_command", RawArguments: `{"command":"ls"}`}}},
		{Role: RoleTool, ToolCallID: "c1", Content: `{"status":"success"}`},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got.Messages))
	}
	calls := got.Messages[1]["tool_calls"].([]any)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["arguments"] != `{"command":"ls"}` {
		t.Errorf("expected raw arguments echoed, got %v", fn["arguments"])
	}
	if got.Messages[2]["tool_call_id"] != "c1" {
		t.Errorf("tool_call_id not sent")
	}
}

func TestOpenAIProvider_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(openAIResponse{Choices: []openAIChoice{{Message: openAIMessage{Content: strPtr("done")}, FinishReason: "stop"}}})
	}))
	defer server.Close()

	p := NewOpenAIProvider("k", server.URL, "m", WithRetryPolicy(fastRetry(5)))
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if resp.Content != "done" || calls.Load() != 3 {
		t.Fatalf("unexpected result %q after %d calls", resp.Content, calls.Load())
	}
}

func TestOpenAIProvider_TerminalErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	p := NewOpenAIProvider("k", server.URL, "m", WithRetryPolicy(fastRetry(5)))
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected APIError 400, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2}
	policy.OnRetry = func(err error, attempt int, delay time.Duration) { cancel() }

	_, err := Retry(ctx, policy, func(ctx context.Context) (int, error) {
		return 0, errors.New("connection reset")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Jitter = false
	if d := p.Delay(0); d != 5*time.Second {
		t.Errorf("attempt 0: expected 5s, got %s", d)
	}
	if d := p.Delay(2); d != 20*time.Second {
		t.Errorf("attempt 2: expected 20s, got %s", d)
	}
	if d := p.Delay(20); d != 300*time.Second {
		t.Errorf("expected cap at 300s, got %s", d)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := map[int]bool{400: false, 401: false, 403: false, 404: false, 422: false, 429: true, 500: true, 503: true}
	for code, want := range cases {
		if got := IsRetryable(&APIError{StatusCode: code}); got != want {
			t.Errorf("status %d: expected retryable=%v", code, want)
		}
	}
	if IsRetryable(context.Canceled) {
		t.Error("context cancellation must not be retried")
	}
}
