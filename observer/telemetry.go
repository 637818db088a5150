package observer

import (
	"context"
	"fmt"

	"github.com/coris-io/relay"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	relaylog "go.opentelemetry.io/otel/log"
)

// Telemetry fans relay telemetry events into OTEL instruments and log
// records. Wire it with relay.WithObserver; Emit is synchronous, the OTEL
// SDK batches underneath.
type Telemetry struct {
	inst *Instruments
}

// NewTelemetry returns an observer recording to the given instruments.
func NewTelemetry(inst *Instruments) *Telemetry {
	return &Telemetry{inst: inst}
}

func (t *Telemetry) Emit(ctx context.Context, ev relay.Event) {
	m := ev.Meta
	switch ev.Name {
	case relay.EventRunStop:
		t.inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(str(m, "agent_name")),
			attribute.String("status", str(m, "stopped_reason")),
		))
		t.inst.AgentDuration.Record(ctx, f64(m, "duration_ms"), metric.WithAttributes(
			AttrAgentName.String(str(m, "agent_name")),
		))
		t.log(ctx, relaylog.SeverityInfo, "agent run completed", m)

	case relay.EventRunException:
		t.inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(str(m, "agent_name")),
			attribute.String("status", "error"),
		))
		t.log(ctx, relaylog.SeverityError, "agent run failed", m)

	case relay.EventIterationStop:
		t.inst.AgentIterations.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(str(m, "agent_name")),
		))

	case relay.EventRequestStop:
		model := str(m, "model_name")
		in, out := i64(m, "input_tokens"), i64(m, "output_tokens")
		attrs := metric.WithAttributes(
			AttrLLMModel.String(model),
			AttrLLMProvider.String(str(m, "provider")),
		)
		t.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
			AttrLLMModel.String(model),
			AttrLLMProvider.String(str(m, "provider")),
			attribute.String("status", "ok"),
		))
		t.inst.TokenUsage.Add(ctx, in, metric.WithAttributes(
			AttrLLMModel.String(model),
			attribute.String("direction", "input"),
		))
		t.inst.TokenUsage.Add(ctx, out, metric.WithAttributes(
			AttrLLMModel.String(model),
			attribute.String("direction", "output"),
		))
		t.inst.CostTotal.Add(ctx, t.inst.Cost.Calculate(model, int(in), int(out)), attrs)
		t.inst.LLMDuration.Record(ctx, f64(m, "duration_ms"), attrs)
		t.log(ctx, relaylog.SeverityInfo, "llm call completed", m)

	case relay.EventRequestException:
		status := str(m, "error_kind")
		if status == "" {
			status = "error"
		}
		t.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
			AttrLLMModel.String(str(m, "model_name")),
			AttrLLMProvider.String(str(m, "provider")),
			attribute.String("status", status),
		))

	case relay.EventStreamChunk:
		t.inst.StreamChunks.Add(ctx, 1, metric.WithAttributes(
			AttrLLMProvider.String(str(m, "provider")),
		))

	case relay.EventToolStop:
		t.recordTool(ctx, m, "ok")
		t.log(ctx, relaylog.SeverityInfo, "tool executed", m)

	case relay.EventToolException:
		t.recordTool(ctx, m, "error")

	case relay.EventToolTimeout:
		t.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(str(m, "tool_name")),
			attribute.String("status", "timeout"),
		))
	}
}

func (t *Telemetry) recordTool(ctx context.Context, m map[string]any, status string) {
	t.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(str(m, "tool_name")),
		attribute.String("status", status),
	))
	t.inst.ToolDuration.Record(ctx, f64(m, "duration_ms"), metric.WithAttributes(
		AttrToolName.String(str(m, "tool_name")),
	))
}

func (t *Telemetry) log(ctx context.Context, sev relaylog.Severity, body string, meta map[string]any) {
	var rec relaylog.Record
	rec.SetSeverity(sev)
	rec.SetBody(relaylog.StringValue(body))
	for k, v := range meta {
		rec.AddAttributes(logAttr(k, v))
	}
	t.inst.Logger.Emit(ctx, rec)
}

func logAttr(k string, v any) relaylog.KeyValue {
	switch x := v.(type) {
	case string:
		return relaylog.String(k, x)
	case int:
		return relaylog.Int(k, x)
	case int64:
		return relaylog.Int64(k, x)
	case float64:
		return relaylog.Float64(k, x)
	case bool:
		return relaylog.Bool(k, x)
	default:
		return relaylog.String(k, fmt.Sprintf("%v", x))
	}
}

// --- meta readers ---

// Emitters store ints, int64s (durations in ms), and strings in event
// metadata; these readers tolerate all of them.

func str(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func i64(m map[string]any, k string) int64 {
	switch x := m[k].(type) {
	case int:
		return int64(x)
	case int64:
		return x
	case float64:
		return int64(x)
	}
	return 0
}

func f64(m map[string]any, k string) float64 {
	switch x := m[k].(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

// compile-time check
var _ relay.Observer = (*Telemetry)(nil)
