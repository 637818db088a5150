package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind is the stable tag carried by every runtime error. Kinds are a
// public contract: hosts switch on them, log pipelines index them.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindUnknownTool       ErrorKind = "unknown_tool"
	KindToolTimeout       ErrorKind = "tool_timeout"
	KindToolHandler       ErrorKind = "tool_handler"
	KindContextUpdateType ErrorKind = "context_update_type"
	KindApprovalRejected  ErrorKind = "approval_rejected"
	KindApprovalTimeout   ErrorKind = "approval_timeout"
	KindToolChoice        ErrorKind = "tool_choice_violation"
	KindMaxIterations     ErrorKind = "max_iterations"
	KindRunTimeout        ErrorKind = "run_timeout"
	KindCancelled         ErrorKind = "cancelled"
	KindSessionClosed     ErrorKind = "session_closed"
	KindProvider          ErrorKind = "provider"
	KindCallback          ErrorKind = "callback"
	KindConfig            ErrorKind = "config"
)

// Error is the runtime's general error shape: a stable kind, a
// human-readable message, and optional structured details for hosts.
type Error struct {
	Kind    ErrorKind
	Message string
	Details any
	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// KindOf extracts the stable kind tag from any runtime error, or "" when
// the error carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return KindProvider
	}
	var ce *CancelledError
	if errors.As(err, &ce) {
		return KindCancelled
	}
	return ""
}

// --- Provider errors ---

// ProviderErrorKind classifies a failed provider round-trip.
type ProviderErrorKind string

const (
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	ProviderAuth        ProviderErrorKind = "auth"
	ProviderBadRequest  ProviderErrorKind = "bad_request"
	ProviderServer      ProviderErrorKind = "server"
	ProviderTransport   ProviderErrorKind = "transport"
	ProviderTimeout     ProviderErrorKind = "timeout"
	ProviderParse       ProviderErrorKind = "parse"
)

// ProviderError reports a failed provider round-trip. Detail carries the
// raw provider payload for diagnosis; the runner only inspects Kind,
// Status, and RetryAfter.
type ProviderError struct {
	Provider   string
	Kind       ProviderErrorKind
	Status     int           // HTTP status for server/auth/bad_request/rate_limited
	Detail     string        // raw body or transport error text
	RetryAfter time.Duration // from Retry-After, when the provider supplied one
	wrapped    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", e.Provider, e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.wrapped }

// Retryable reports whether the runner may retry the round-trip. Auth,
// malformed-request, and parse failures never heal on retry.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ProviderRateLimited, ProviderServer, ProviderTransport, ProviderTimeout:
		return true
	}
	return false
}

// RetryableProvider reports whether err is a provider error worth retrying.
func RetryableProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// ProviderErrorFromStatus maps an HTTP failure status onto the taxonomy.
func ProviderErrorFromStatus(provider string, status int, body string, retryAfter time.Duration) *ProviderError {
	kind := ProviderServer
	switch {
	case status == 401 || status == 403:
		kind = ProviderAuth
	case status == 429:
		kind = ProviderRateLimited
	case status >= 400 && status < 500:
		kind = ProviderBadRequest
	}
	return &ProviderError{Provider: provider, Kind: kind, Status: status, Detail: body, RetryAfter: retryAfter}
}

// ParseRetryAfter interprets a Retry-After header value, either delta
// seconds or an HTTP date. Empty or unparseable values yield 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// --- Cancellation ---

// CancelledError is installed as the context cancel cause when a run is
// cancelled, so the reason survives to the result.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return "cancelled: " + e.Reason
}

// CancelReason extracts the cancellation reason from an error chain.
func CancelReason(err error) (string, bool) {
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}
