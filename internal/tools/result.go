package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FailureKind classifies why a capability call did not succeed.
type FailureKind string

const (
	KindTimeout             FailureKind = "timeout"
	KindHandlerError        FailureKind = "handler_error"
	KindUnknownCapability   FailureKind = "unknown_capability"
	KindInvalidArguments    FailureKind = "invalid_arguments"
	KindResourceUnavailable FailureKind = "resource_unavailable"
	KindNonZeroExit         FailureKind = "non_zero_exit"
	KindIOError             FailureKind = "io_error"
)

// Failure describes a failed capability call.
type Failure struct {
	Kind     FailureKind
	Message  string
	ExitCode int // set for KindNonZeroExit
}

func (f *Failure) Error() string {
	if f.Kind == KindNonZeroExit {
		return fmt.Sprintf("%s (exit code %d): %s", f.Kind, f.ExitCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Result is the outcome of one capability call: either a success payload
// or a failure. Payload may be set on failures too (e.g. stdout of a
// command that exited non-zero).
type Result struct {
	Payload map[string]any
	Failure *Failure
}

// Success builds a successful result.
func Success(payload map[string]any) Result {
	if payload == nil {
		payload = map[string]any{}
	}
	return Result{Payload: payload}
}

// Fail builds a failed result of the given kind.
func Fail(kind FailureKind, format string, args ...any) Result {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return Result{Failure: &Failure{Kind: kind, Message: msg}}
}

// NonZeroExit builds the failure for a command that exited with code.
func NonZeroExit(code int, payload map[string]any) Result {
	return Result{
		Payload: payload,
		Failure: &Failure{
			Kind:     KindNonZeroExit,
			Message:  fmt.Sprintf("command exited with code %d", code),
			ExitCode: code,
		},
	}
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// Outcome is the short label used in the event log.
func (r Result) Outcome() string {
	if r.Failure == nil {
		return "success"
	}
	return string(r.Failure.Kind)
}

// Encode renders the result as the JSON content of a tool message.
func (r Result) Encode() string {
	out := make(map[string]any, len(r.Payload)+3)
	for k, v := range r.Payload {
		out[k] = v
	}
	if r.Failure == nil {
		out["status"] = "success"
	} else {
		out["status"] = "error"
		out["kind"] = string(r.Failure.Kind)
		out["message"] = r.Failure.Message
		if r.Failure.Kind == KindNonZeroExit {
			out["exit_code"] = r.Failure.ExitCode
		}
	}
	return encodeJSON(out)
}

// EncodeDeclined renders the tool message for a call the reviewer refused.
// Its status is "declined", never "error".
func EncodeDeclined(reason string) string {
	return encodeJSON(map[string]any{"status": "declined", "reason": reason})
}

// encodeJSON marshals without HTML escaping so command output reaches the
// model unmangled.
func encodeJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf(`{"status":"error","kind":"handler_error","message":%q}`, err.Error())
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
