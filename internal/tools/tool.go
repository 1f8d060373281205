// Package tools provides the capability registry the agent loop invokes.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultTimeout applies to capabilities registered without one.
const DefaultTimeout = 60 * time.Second

var (
	ErrDuplicateCapability = errors.New("duplicate capability")
	ErrUnknownCapability   = errors.New("unknown capability")
)

// Handler runs one capability call. Handlers must honour ctx cancellation;
// the registry stops waiting once the capability timeout elapses.
type Handler func(ctx context.Context, args map[string]any) Result

// Capability is a named, schema-described operation the model may request.
type Capability struct {
	Name        string
	Description string
	// Schema is the JSON Schema of the accepted arguments.
	Schema  map[string]any
	Handler Handler
	Timeout time.Duration
}

// Definition is the catalogue entry handed to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type entry struct {
	capability Capability
	schema     *jsonschema.Schema
}

// Registry maps capability names to handlers. It is append-only.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*entry
	order          []string
	defaultTimeout time.Duration
}

// NewRegistry creates a registry. A non-positive defaultTimeout selects
// DefaultTimeout.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Registry{
		entries:        make(map[string]*entry),
		defaultTimeout: defaultTimeout,
	}
}

// Register adds a capability. Fails with ErrDuplicateCapability when the
// name is taken.
func (r *Registry) Register(c Capability) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("capability name is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("capability %s: handler is required", c.Name)
	}
	if c.Timeout <= 0 {
		c.Timeout = r.defaultTimeout
	}
	if c.Schema == nil {
		c.Schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := compileSchema(c.Name, c.Schema)
	if err != nil {
		return fmt.Errorf("capability %s: %w", c.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[c.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Name)
	}
	r.entries[c.Name] = &entry{capability: c, schema: schema}
	r.order = append(r.order, c.Name)
	return nil
}

// Resolve returns a registered capability.
func (r *Registry) Resolve(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return e.capability, nil
}

// List returns the catalogue in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		c := r.entries[name].capability
		out = append(out, Definition{
			Name:        c.Name,
			Description: c.Description,
			Parameters:  c.Schema,
		})
	}
	return out
}

// Names returns the registered capability names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Validate checks args against the capability schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	_, err := validateArgs(e.schema, args)
	return err
}

// Invoke runs the named capability under its timeout. It never panics and
// never returns before either the handler finishes or the timeout elapses.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	c, err := r.Resolve(name)
	if err != nil {
		return Fail(KindUnknownCapability, "no such capability named %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	r.mu.RLock()
	schema := r.entries[name].schema
	r.mu.RUnlock()
	args, err = validateArgs(schema, args)
	if err != nil {
		return Fail(KindInvalidArguments, "invalid arguments for %s: %v", name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("Capability handler panicked", "capability", name, "panic", p)
				done <- Fail(KindHandlerError, "capability %s panicked: %v", name, p)
			}
		}()
		done <- c.Handler(callCtx, args)
	}()

	select {
	case res := <-done:
		return res
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("Capability timed out", "capability", name, "timeout", c.Timeout)
			return Fail(KindTimeout, "capability %s timed out after %s", name, c.Timeout)
		}
		return Fail(KindHandlerError, "capability %s cancelled: %v", name, callCtx.Err())
	}
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	url := "mem://capabilities/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// validateArgs normalises args through JSON so handlers always see decoder
// types (float64 numbers, []any, map[string]any) and returns the normalised
// copy.
func validateArgs(schema *jsonschema.Schema, args map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(map[string]any(doc)); err != nil {
		return nil, err
	}
	return doc, nil
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i)
			}
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
