package relay

import (
	"context"
	"log/slog"
	"time"
)

// Agent is the immutable configuration for runs: the model provider, the
// tool registry, sampling settings, and loop policies. Construct with
// NewAgent; the value is safe to share across sessions and goroutines.
type Agent struct {
	name             string
	provider         Provider
	modelName        string
	instructions     string
	registry         *Registry
	settings         ModelSettings
	maxIterations    int
	timeout          time.Duration
	retry            RetryPolicy
	parallelTools    bool
	strictToolChoice bool
	callbacks        *CallbackChain
	logger           *slog.Logger
	tracer           Tracer
	observer         Observer
}

const defaultMaxIterations = 10

// agentConfig collects option state before validation.
type agentConfig struct {
	tools            []*ToolDescriptor
	registry         *Registry
	modelName        string
	instructions     string
	settings         ModelSettings
	maxIterations    int
	timeout          time.Duration
	retry            RetryPolicy
	parallelTools    bool
	strictToolChoice bool
	callbacks        []any
	logger           *slog.Logger
	tracer           Tracer
	observer         Observer
}

// AgentOption configures an Agent at construction.
type AgentOption func(*agentConfig)

// WithTools registers tools with the agent.
func WithTools(tools ...*ToolDescriptor) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithRegistry installs a prebuilt registry. Tools added via WithTools are
// appended to it.
func WithRegistry(r *Registry) AgentOption {
	return func(c *agentConfig) { c.registry = r }
}

// WithInstructions sets the system prompt for every run.
func WithInstructions(s string) AgentOption {
	return func(c *agentConfig) { c.instructions = s }
}

// WithSettings sets the pass-through sampling settings.
func WithSettings(s ModelSettings) AgentOption {
	return func(c *agentConfig) { c.settings = s }
}

// WithMaxIter caps reason-act iterations per run (default 10).
func WithMaxIter(n int) AgentOption {
	return func(c *agentConfig) { c.maxIterations = n }
}

// WithTimeout bounds a whole run. Zero (the default) means no run-wide
// deadline; per-tool and provider deadlines still apply.
func WithTimeout(d time.Duration) AgentOption {
	return func(c *agentConfig) { c.timeout = d }
}

// WithRetryPolicy overrides provider retry behavior (default: 3 attempts,
// 250ms backoff base).
func WithRetryPolicy(p RetryPolicy) AgentOption {
	return func(c *agentConfig) { c.retry = p }
}

// WithParallelTools dispatches a response's tool calls concurrently under
// a shared deadline. Results still fold into the transcript in call order.
func WithParallelTools() AgentOption {
	return func(c *agentConfig) { c.parallelTools = true }
}

// WithStrictToolChoice fails a run on the first tool_choice violation
// instead of warning the model once.
func WithStrictToolChoice() AgentOption {
	return func(c *agentConfig) { c.strictToolChoice = true }
}

// WithCallbacks appends host callbacks. Each must implement at least one
// of PreModelCallback, PostModelCallback, or PostToolCallback.
func WithCallbacks(cbs ...any) AgentOption {
	return func(c *agentConfig) { c.callbacks = append(c.callbacks, cbs...) }
}

// WithModelName overrides the model identifier reported in telemetry.
// Defaults to what the provider advertises.
func WithModelName(name string) AgentOption {
	return func(c *agentConfig) { c.modelName = name }
}

// WithLogger sets the structured logger. Defaults to no output.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// WithTracer sets the span tracer (see the observer package).
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithObserver sets the telemetry observer (see the observer package).
func WithObserver(o Observer) AgentOption {
	return func(c *agentConfig) { c.observer = o }
}

// NewAgent builds an immutable agent around a provider. Tool registration
// errors (bad names, duplicates, missing handlers) surface here.
func NewAgent(name string, provider Provider, opts ...AgentOption) (*Agent, error) {
	if name == "" {
		return nil, newError(KindConfig, "agent name required")
	}
	if provider == nil {
		return nil, newError(KindConfig, "agent provider required")
	}
	var c agentConfig
	for _, opt := range opts {
		opt(&c)
	}
	registry := c.registry
	if registry == nil {
		registry = &Registry{}
	}
	for _, t := range c.tools {
		if err := registry.Add(t); err != nil {
			return nil, err
		}
	}
	if c.maxIterations <= 0 {
		c.maxIterations = defaultMaxIterations
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.observer == nil {
		c.observer = NopObserver{}
	}
	a := &Agent{
		name:             name,
		provider:         provider,
		instructions:     c.instructions,
		registry:         registry,
		settings:         c.settings,
		maxIterations:    c.maxIterations,
		timeout:          c.timeout,
		retry:            c.retry.withDefaults(),
		parallelTools:    c.parallelTools,
		strictToolChoice: c.strictToolChoice,
		callbacks:        newCallbackChain(c.callbacks),
		logger:           c.logger,
		tracer:           c.tracer,
		observer:         c.observer,
	}
	a.modelName = c.modelName
	if a.modelName == "" {
		if m, ok := provider.(interface{ Model() string }); ok {
			a.modelName = m.Model()
		}
	}
	return a, nil
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// Provider returns the configured model backend.
func (a *Agent) Provider() Provider { return a.provider }

// Tools returns the agent's registry.
func (a *Agent) Tools() *Registry { return a.registry }

// MaxIterations returns the per-run iteration cap.
func (a *Agent) MaxIterations() int { return a.maxIterations }

// nopLogger is a logger that discards all output. Used when WithLogger is
// not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
