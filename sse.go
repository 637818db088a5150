package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// FrameTranslator converts one provider SSE data payload into canonical
// events. Each adapter ships one; the normalizer owns framing, the
// malformed-frame policy, and tool-call assembly, so a translator only
// maps wire payloads onto events.
type FrameTranslator interface {
	// Frame translates a single data payload. A returned error marks the
	// frame malformed; the normalizer logs and skips it.
	Frame(data []byte) ([]StreamEvent, error)
}

// Normalizer decodes a raw SSE byte stream into canonical events and an
// assembled response. It does no timing of its own; inactivity deadlines
// belong to the adapter driving it (see the OnFrame hook).
type Normalizer struct {
	// Provider names the adapter for error attribution.
	Provider string
	// Translator converts provider frames to canonical events.
	Translator FrameTranslator
	// Logger receives skipped-frame diagnostics. Defaults to no output.
	Logger *slog.Logger
	// MaxFrame bounds the accumulated size of a single frame's data.
	// Exceeding it emits a buffer_overflow error event and terminates the
	// stream. Default 10 MiB.
	MaxFrame int
	// OnFrame, when set, runs once per decoded frame. Adapters use it to
	// reset inactivity watchdogs.
	OnFrame func()
}

const defaultMaxFrame = 10 << 20 // 10 MiB

// errStreamDone signals the [DONE] sentinel internally.
var errStreamDone = errors.New("stream done")

// Run consumes r until EOF, [DONE], or a terminal failure. Canonical
// events are forwarded into ch (which may be nil) as they are decoded, and
// the assembled response is returned so streamed and one-shot round-trips
// yield the same shape. The channel is left open for the caller.
func (n *Normalizer) Run(ctx context.Context, r io.Reader, ch chan<- StreamEvent) (ChatResponse, error) {
	logger := n.Logger
	if logger == nil {
		logger = nopLogger
	}
	maxFrame := n.MaxFrame
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrame
	}

	send := func(ev StreamEvent) error {
		if ch == nil {
			return nil
		}
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}

	asm := streamAssembly{logger: logger, send: send}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrame+4096)

	var (
		data    []byte
		hasData bool
	)

	flush := func() error {
		if !hasData {
			return nil
		}
		payload := data
		data, hasData = nil, false
		if string(payload) == "[DONE]" {
			return errStreamDone
		}
		events, err := n.Translator.Frame(payload)
		if err != nil {
			logger.Debug("skipping malformed stream frame",
				"provider", n.Provider,
				"error", err)
			return nil
		}
		for _, ev := range events {
			if err := asm.route(ev); err != nil {
				return err
			}
		}
		return nil
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return asm.response(), context.Cause(ctx)
		}
		if n.OnFrame != nil {
			n.OnFrame()
		}
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if err := flush(); err != nil {
				return n.finish(&asm, err)
			}
		case strings.HasPrefix(line, ":"):
			// SSE comment (keep-alive pings and the like).
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if len(data)+len(value) > maxFrame {
				ev := StreamEvent{Type: EventStreamError, ErrKind: "buffer_overflow", ErrDetail: "stream frame exceeded buffer limit"}
				if err := send(ev); err != nil {
					return asm.response(), err
				}
				return asm.response(), &ProviderError{
					Provider: n.Provider,
					Kind:     ProviderParse,
					Detail:   "stream frame exceeded buffer limit",
				}
			}
			if hasData {
				data = append(data, '\n')
			}
			data = append(data, value...)
			hasData = true
		default:
			// Other SSE fields (event:, id:, retry:) carry nothing our
			// translators need; payloads are self-describing JSON.
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return asm.response(), context.Cause(ctx)
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return asm.response(), &ProviderError{Provider: n.Provider, Kind: ProviderParse, Detail: "stream frame exceeded buffer limit"}
		}
		return asm.response(), &ProviderError{Provider: n.Provider, Kind: ProviderTransport, Detail: err.Error(), wrapped: err}
	}
	// Streams may end without a trailing blank line.
	if err := flush(); err != nil {
		return n.finish(&asm, err)
	}
	return n.finish(&asm, errStreamDone)
}

// finish resolves the terminal condition: [DONE] and EOF finalize the
// assembly; everything else propagates.
func (n *Normalizer) finish(asm *streamAssembly, err error) (ChatResponse, error) {
	if errors.Is(err, errStreamDone) {
		if ferr := asm.finalize(); ferr != nil {
			return asm.response(), ferr
		}
		return asm.response(), nil
	}
	return asm.response(), err
}

// --- Tool-call assembly ---

type partialCall struct {
	id   string
	name string
	args strings.Builder
	meta json.RawMessage
}

// streamAssembly folds canonical events into the final response while
// forwarding them. Argument deltas concatenate per call ID in arrival
// order; a call completes when the stream moves to a different ID or
// finishes.
type streamAssembly struct {
	logger *slog.Logger
	send   func(StreamEvent) error

	text   strings.Builder
	calls  []ToolCall
	active *partialCall
	usage  Usage
	finish FinishReason
	done   bool
}

func (a *streamAssembly) route(ev StreamEvent) error {
	switch ev.Type {
	case EventTextDelta:
		a.text.WriteString(ev.Content)
		return a.send(ev)
	case EventToolCallStart:
		if a.active != nil && a.active.id != ev.ID {
			if err := a.completeActive(); err != nil {
				return err
			}
		}
		if a.active == nil {
			a.active = &partialCall{id: ev.ID, name: ev.Name}
			return a.send(ev)
		}
		// Duplicate start for the same ID: keep the richer name.
		if a.active.name == "" {
			a.active.name = ev.Name
		}
		return nil
	case EventToolCallArgsDelta:
		if a.active == nil || (ev.ID != "" && a.active.id != ev.ID) {
			if a.active != nil {
				if err := a.completeActive(); err != nil {
					return err
				}
			}
			a.active = &partialCall{id: ev.ID}
			if err := a.send(StreamEvent{Type: EventToolCallStart, ID: ev.ID}); err != nil {
				return err
			}
		}
		a.active.args.WriteString(ev.Content)
		return a.send(ev)
	case EventToolCallComplete:
		// Pre-assembled by the translator (wire formats that deliver
		// whole calls, e.g. Gemini function calls).
		if a.active != nil && a.active.id == ev.ID {
			a.active = nil
		}
		args := ev.Args
		if len(args) == 0 || !json.Valid(args) {
			a.logger.Debug("tool call args not valid JSON, substituting empty object", "tool", ev.Name)
			args = json.RawMessage(`{}`)
			ev.Args = args
		}
		a.calls = append(a.calls, ToolCall{ID: ev.ID, Name: ev.Name, Args: args})
		return a.send(ev)
	case EventUsageReport:
		if ev.Usage != nil {
			// Providers report cumulative totals; the last one wins.
			a.usage = *ev.Usage
		}
		return a.send(ev)
	case EventFinish:
		if err := a.completeActive(); err != nil {
			return err
		}
		if a.done {
			return nil
		}
		a.done = true
		a.finish = ev.FinishReason
		return a.send(ev)
	case EventStreamError:
		return a.send(ev)
	default:
		return a.send(ev)
	}
}

func (a *streamAssembly) completeActive() error {
	if a.active == nil {
		return nil
	}
	call := a.active
	a.active = nil
	args := call.args.String()
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		a.logger.Debug("tool call args not valid JSON, substituting empty object", "tool", call.name)
		args = "{}"
	}
	tc := ToolCall{ID: call.id, Name: call.name, Args: json.RawMessage(args), Metadata: call.meta}
	a.calls = append(a.calls, tc)
	return a.send(StreamEvent{Type: EventToolCallComplete, ID: tc.ID, Name: tc.Name, Args: tc.Args})
}

// finalize closes out a stream that ended without an explicit finish.
func (a *streamAssembly) finalize() error {
	if err := a.completeActive(); err != nil {
		return err
	}
	if a.done {
		return nil
	}
	a.done = true
	reason := FinishStop
	if len(a.calls) > 0 {
		reason = FinishToolCalls
	}
	a.finish = reason
	return a.send(StreamEvent{Type: EventFinish, FinishReason: reason})
}

func (a *streamAssembly) response() ChatResponse {
	reason := a.finish
	if reason == "" {
		if len(a.calls) > 0 {
			reason = FinishToolCalls
		} else {
			reason = FinishStop
		}
	}
	return ChatResponse{
		Content:      a.text.String(),
		ToolCalls:    a.calls,
		Usage:        a.usage,
		FinishReason: reason,
	}
}
