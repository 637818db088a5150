package relay

import (
	"context"
	"maps"
	"time"
)

// Telemetry event names. These are a stable contract: hosts and the
// observer package key dashboards and alerts off them.
const (
	EventRunStart         = "agent.run.start"
	EventRunStop          = "agent.run.stop"
	EventRunException     = "agent.run.exception"
	EventIterationStart   = "agent.iteration.start"
	EventIterationStop    = "agent.iteration.stop"
	EventRequestStart     = "provider.request.start"
	EventRequestStop      = "provider.request.stop"
	EventRequestException = "provider.request.exception"
	EventStreamStart      = "provider.stream.start"
	EventStreamChunk      = "provider.stream.chunk"
	EventStreamConnected  = "provider.stream.connected"
	EventStreamException  = "provider.stream.exception"
	EventToolStart        = "tool.execute.start"
	EventToolStop         = "tool.execute.stop"
	EventToolException    = "tool.execute.exception"
	EventToolTimeout      = "tool.execute.timeout"
	EventContextUpdate    = "context.update"
	EventCallbackExecute  = "callback.execute"
)

// Event is one telemetry emission. Meta always carries agent_name,
// model_name, and provider where known; *.stop events add duration_ms.
type Event struct {
	Name string
	Time time.Time
	Meta map[string]any
}

// Observer receives telemetry events. Emit is called synchronously on hot
// paths and must be cheap; implementations buffer or batch on their own.
// The observer package provides an OTEL-backed implementation.
type Observer interface {
	Emit(ctx context.Context, ev Event)
}

// NopObserver discards all events. It is the default when none is set.
type NopObserver struct{}

func (NopObserver) Emit(context.Context, Event) {}

// MultiObserver fans events out to several observers in order.
func MultiObserver(obs ...Observer) Observer {
	return multiObserver(obs)
}

type multiObserver []Observer

func (m multiObserver) Emit(ctx context.Context, ev Event) {
	for _, o := range m {
		o.Emit(ctx, ev)
	}
}

// emitter binds an Observer to per-run base metadata so call sites only
// supply the event-specific fields.
type emitter struct {
	obs  Observer
	base map[string]any
}

func newEmitter(obs Observer, base map[string]any) emitter {
	if obs == nil {
		obs = NopObserver{}
	}
	return emitter{obs: obs, base: base}
}

// emit publishes one event. kv is alternating key/value pairs; odd
// trailing keys are dropped.
func (e emitter) emit(ctx context.Context, name string, kv ...any) {
	m := make(map[string]any, len(e.base)+len(kv)/2)
	maps.Copy(m, e.base)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	e.obs.Emit(ctx, Event{Name: name, Time: time.Now(), Meta: m})
}
