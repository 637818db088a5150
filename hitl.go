package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// --- Approval gate ---

// ApprovalAction is a human (or policy) verdict on a gated tool call.
type ApprovalAction string

const (
	ApprovalApprove ApprovalAction = "approve"
	ApprovalReject  ApprovalAction = "reject"
	ApprovalEdit    ApprovalAction = "edit"
)

// ApprovalRequest describes one tool call awaiting a verdict.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	CallID      string          `json:"call_id"`
	Tool        string          `json:"tool"`
	Args        json.RawMessage `json:"args"`
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// ApprovalDecision is the verdict for a gated call. Edited args replace
// the model's arguments and are re-validated before invocation.
type ApprovalDecision struct {
	Action    ApprovalAction  `json:"action"`
	Reason    string          `json:"reason,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	DecidedBy string          `json:"decided_by,omitempty"`
}

// Approve allows the call as requested.
func Approve() ApprovalDecision {
	return ApprovalDecision{Action: ApprovalApprove}
}

// Reject blocks the call. The model receives a synthetic rejected result.
func Reject(reason string) ApprovalDecision {
	return ApprovalDecision{Action: ApprovalReject, Reason: reason}
}

// EditArgs allows the call with replacement arguments.
func EditArgs(args json.RawMessage) ApprovalDecision {
	return ApprovalDecision{Action: ApprovalEdit, Args: args}
}

// ApprovalHandler decides gated tool calls. Decide blocks until a verdict
// is available or ctx expires; the executor enforces the configured
// timeout and converts expiry into a rejection.
type ApprovalHandler interface {
	Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApprovalHandlerFunc adapts a function to ApprovalHandler.
type ApprovalHandlerFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

func (f ApprovalHandlerFunc) Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// HITLConfig configures the approval gate. Hosts install it under
// deps["hitl_config"]; sessions install their own broker when the host
// does not.
type HITLConfig struct {
	Handler ApprovalHandler
	// Timeout bounds each decision; expiry rejects the call. Default 5m.
	Timeout time.Duration
}

const defaultApprovalTimeout = 5 * time.Minute

func (c *HITLConfig) timeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return defaultApprovalTimeout
	}
	return c.Timeout
}

// HITL returns the approval configuration from the deps bag, or nil.
func (d Deps) HITL() *HITLConfig {
	cfg, _ := d[DepsHITLConfig].(*HITLConfig)
	return cfg
}

// --- Session approval broker ---

// approvalBroker parks gated calls until a session operation resolves
// them. One broker serves one session; decisions are keyed by call ID.
type approvalBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	notify  func(ApprovalRequest)
}

type pendingApproval struct {
	req ApprovalRequest
	ch  chan ApprovalDecision
}

func newApprovalBroker(notify func(ApprovalRequest)) *approvalBroker {
	return &approvalBroker{pending: map[string]*pendingApproval{}, notify: notify}
}

// Decide implements ApprovalHandler: publish the request and block until
// Resolve delivers a verdict or the context expires.
func (b *approvalBroker) Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	p := &pendingApproval{req: req, ch: make(chan ApprovalDecision, 1)}
	b.mu.Lock()
	b.pending[req.CallID] = p
	b.mu.Unlock()
	defer b.drop(req.CallID)

	if b.notify != nil {
		b.notify(req)
	}
	select {
	case d := <-p.ch:
		return d, nil
	case <-ctx.Done():
		return ApprovalDecision{}, context.Cause(ctx)
	}
}

// Resolve delivers a verdict for a parked call. Unknown or already
// resolved call IDs report ErrNoPendingApproval.
func (b *approvalBroker) Resolve(callID string, d ApprovalDecision) error {
	b.mu.Lock()
	p, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()
	if !ok {
		return ErrNoPendingApproval
	}
	p.ch <- d
	return nil
}

// Pending snapshots the calls still awaiting a verdict.
func (b *approvalBroker) Pending() []ApprovalRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	return out
}

func (b *approvalBroker) drop(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}

var _ ApprovalHandler = (*approvalBroker)(nil)
