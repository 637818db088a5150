package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// --- Handlers and outcomes ---

// Handler is a tool implementation that needs nothing beyond its arguments.
// The context carries the per-attempt deadline and run cancellation.
type Handler func(ctx context.Context, args json.RawMessage) ToolOutcome

// CtxHandler additionally receives the run view (deps, retry attempt,
// usage snapshot).
type CtxHandler func(ctx context.Context, rc *RunContext, args json.RawMessage) ToolOutcome

// ToolOutcome is the result of one handler invocation. Construct it with
// Value, ValueWithUpdate, or Fail; the zero value is an empty success.
type ToolOutcome struct {
	value     any
	update    ContextUpdate
	hasUpdate bool
	err       error
}

// Value returns v to the model. Strings pass through verbatim; any other
// value is JSON-encoded.
func Value(v any) ToolOutcome {
	return ToolOutcome{value: v}
}

// ValueWithUpdate returns v to the model and hands the runner a deps
// update to apply once the call is folded into the transcript.
func ValueWithUpdate(v any, u ContextUpdate) ToolOutcome {
	return ToolOutcome{value: v, update: u, hasUpdate: true}
}

// Fail marks the invocation failed. Failed attempts are retried while the
// descriptor's retry budget lasts.
func Fail(err error) ToolOutcome {
	return ToolOutcome{err: err}
}

// Failf is Fail with formatting.
func Failf(format string, args ...any) ToolOutcome {
	return ToolOutcome{err: fmt.Errorf(format, args...)}
}

// renderValue converts a handler value into the text the model sees.
func renderValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.RawMessage:
		return string(t), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode tool result: %w", err)
		}
		return string(b), nil
	}
}

// --- Descriptors ---

// ToolDescriptor pairs a tool's contract (name, schema, execution policy)
// with its handler. Handlers are registered explicitly; nothing is
// inferred by reflection.
type ToolDescriptor struct {
	Name        string
	Description string
	// Parameters is the JSON Schema for the argument object. Empty means
	// any object is accepted.
	Parameters json.RawMessage
	// Exactly one of Handler or CtxHandler is set; TakesCtx records which.
	Handler    Handler
	CtxHandler CtxHandler
	TakesCtx   bool
	// Retries is the number of extra attempts after a failed or timed-out
	// invocation. Zero means one attempt total.
	Retries int
	// Timeout bounds each attempt. Must be positive.
	Timeout time.Duration
	// ValidateArgs gates invocation on schema validation of the arguments.
	ValidateArgs bool
	// RequiresApproval routes the call through the approval gate before
	// invocation. Edited arguments are re-validated.
	RequiresApproval bool

	compileOnce sync.Once
	compiled    *compiledSchema
	compileErr  error
}

const defaultToolTimeout = 30 * time.Second

// ToolOption tweaks a descriptor at construction.
type ToolOption func(*ToolDescriptor)

// WithToolTimeout overrides the per-attempt deadline (default 30s).
func WithToolTimeout(d time.Duration) ToolOption {
	return func(t *ToolDescriptor) { t.Timeout = d }
}

// WithToolRetries grants extra attempts after failures or timeouts.
func WithToolRetries(n int) ToolOption {
	return func(t *ToolDescriptor) { t.Retries = n }
}

// WithApproval routes every invocation through the approval gate.
func WithApproval() ToolOption {
	return func(t *ToolDescriptor) { t.RequiresApproval = true }
}

// WithoutValidation skips argument schema validation.
func WithoutValidation() ToolOption {
	return func(t *ToolDescriptor) { t.ValidateArgs = false }
}

// NewTool builds a descriptor around a plain handler.
func NewTool(name, description string, params json.RawMessage, h Handler, opts ...ToolOption) *ToolDescriptor {
	d := &ToolDescriptor{
		Name:         name,
		Description:  description,
		Parameters:   params,
		Handler:      h,
		Timeout:      defaultToolTimeout,
		ValidateArgs: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewToolCtx builds a descriptor around a context-taking handler.
func NewToolCtx(name, description string, params json.RawMessage, h CtxHandler, opts ...ToolOption) *ToolDescriptor {
	d := NewTool(name, description, params, nil, opts...)
	d.CtxHandler = h
	d.TakesCtx = true
	return d
}

// Definition renders the descriptor for the provider wire.
func (t *ToolDescriptor) Definition() ToolDefinition {
	params := t.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	return ToolDefinition{Name: t.Name, Description: t.Description, Parameters: params}
}

// invoke dispatches to whichever handler form the descriptor carries.
func (t *ToolDescriptor) invoke(ctx context.Context, rc *RunContext, args json.RawMessage) ToolOutcome {
	if t.TakesCtx {
		return t.CtxHandler(ctx, rc, args)
	}
	return t.Handler(ctx, args)
}

// --- Registry ---

var toolNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Registry holds the tools available to an agent, keyed by name.
// Definitions render in registration order so prompts stay stable.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDescriptor
	order []string
}

// NewRegistry builds a registry from descriptors. It fails on the first
// invalid or duplicate tool.
func NewRegistry(tools ...*ToolDescriptor) (*Registry, error) {
	r := &Registry{tools: map[string]*ToolDescriptor{}}
	for _, t := range tools {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a descriptor. Names must match [A-Za-z_][A-Za-z0-9_]* and
// be unique; the per-attempt timeout must be positive; a handler must be
// present.
func (r *Registry) Add(t *ToolDescriptor) error {
	if t == nil {
		return newError(KindConfig, "nil tool descriptor")
	}
	if !toolNameRE.MatchString(t.Name) {
		return newError(KindConfig, fmt.Sprintf("invalid tool name %q", t.Name))
	}
	if t.Timeout <= 0 {
		return newError(KindConfig, fmt.Sprintf("tool %q: timeout must be positive", t.Name))
	}
	if t.Retries < 0 {
		return newError(KindConfig, fmt.Sprintf("tool %q: negative retries", t.Name))
	}
	if t.Handler == nil && t.CtxHandler == nil {
		return newError(KindConfig, fmt.Sprintf("tool %q: no handler", t.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tools == nil {
		r.tools = map[string]*ToolDescriptor{}
	}
	if _, dup := r.tools[t.Name]; dup {
		return newError(KindConfig, fmt.Sprintf("duplicate tool %q", t.Name))
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions renders every registered tool for the provider request.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
