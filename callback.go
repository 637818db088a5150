package relay

import (
	"context"
	"fmt"
)

// PreModelCallback runs before each provider request. Implementations can
// modify the request (add/remove/transform messages, adjust settings) or
// return an error to halt the run.
// Return ErrHalt to short-circuit with a canned response.
// Must be safe for concurrent use.
type PreModelCallback interface {
	PreModel(ctx context.Context, rc *RunContext, req *ChatRequest) error
}

// PostModelCallback runs after each provider response, before tool
// dispatch. Implementations can modify the response (transform content,
// filter tool calls) or return an error to halt the run.
// Return ErrHalt to short-circuit with a canned response.
// Must be safe for concurrent use.
type PostModelCallback interface {
	PostModel(ctx context.Context, rc *RunContext, resp *ChatResponse) error
}

// PostToolCallback runs after each tool execution, before the result is
// appended to the transcript. Implementations can modify the result
// (redact content, transform output) or return an error to halt the run.
// Must be safe for concurrent use.
type PostToolCallback interface {
	PostTool(ctx context.Context, rc *RunContext, call ToolCall, res *ExecResult) error
}

// ErrHalt signals that a callback wants to stop the run and return a
// specific response to the caller. The run loop catches ErrHalt and
// returns a completed Result with Output set to Response.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "callback halted: " + e.Response }

// CallbackChain holds an ordered list of callbacks and runs them at each
// hook point. Callbacks are type-asserted at each phase; a callback only
// participates in phases whose interface it implements.
type CallbackChain struct {
	callbacks []any
}

func newCallbackChain(cbs []any) *CallbackChain {
	c := &CallbackChain{}
	for _, cb := range cbs {
		c.Add(cb)
	}
	return c
}

// Add appends a callback to the chain. The callback must implement at
// least one of PreModelCallback, PostModelCallback, or PostToolCallback.
// Panics if cb implements none of the three interfaces.
func (c *CallbackChain) Add(cb any) {
	_, isPre := cb.(PreModelCallback)
	_, isPost := cb.(PostModelCallback)
	_, isPostTool := cb.(PostToolCallback)
	if !isPre && !isPost && !isPostTool {
		panic(fmt.Sprintf("relay: callback %T implements none of PreModelCallback, PostModelCallback, PostToolCallback", cb))
	}
	c.callbacks = append(c.callbacks, cb)
}

// RunPreModel runs all PreModelCallback hooks in registration order.
// Stops and returns the first non-nil error.
func (c *CallbackChain) RunPreModel(ctx context.Context, rc *RunContext, req *ChatRequest) error {
	for _, cb := range c.callbacks {
		if pre, ok := cb.(PreModelCallback); ok {
			if err := pre.PreModel(ctx, rc, req); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostModel runs all PostModelCallback hooks in registration order.
// Stops and returns the first non-nil error.
func (c *CallbackChain) RunPostModel(ctx context.Context, rc *RunContext, resp *ChatResponse) error {
	for _, cb := range c.callbacks {
		if post, ok := cb.(PostModelCallback); ok {
			if err := post.PostModel(ctx, rc, resp); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostTool runs all PostToolCallback hooks in registration order.
// Stops and returns the first non-nil error.
func (c *CallbackChain) RunPostTool(ctx context.Context, rc *RunContext, call ToolCall, res *ExecResult) error {
	for _, cb := range c.callbacks {
		if pt, ok := cb.(PostToolCallback); ok {
			if err := pt.PostTool(ctx, rc, call, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of registered callbacks.
func (c *CallbackChain) Len() int { return len(c.callbacks) }
