// Package observer exports relay telemetry to OpenTelemetry.
//
// Init wires OTLP HTTP exporters for traces, metrics, and logs. Telemetry
// adapts the relay.Observer event stream onto the resulting instruments,
// and NewTracer gives the runner a span factory. Hosts that already run an
// OTEL pipeline can skip Init; the global providers serve both paths.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	relaylog "go.opentelemetry.io/otel/log"
)

const scopeName = "github.com/coris-io/relay/observer"

// Option adjusts Init. The zero configuration reads the standard OTEL env
// vars (OTEL_EXPORTER_OTLP_ENDPOINT and friends).
type Option func(*options)

type options struct {
	serviceName string
	endpoint    string
	insecure    bool
	pricing     map[string]ModelPricing
}

// WithServiceName overrides the resource service name (default "relay").
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithEndpoint points all three exporters at host:port, bypassing the env.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithInsecure disables TLS on the exporter connections.
func WithInsecure() Option {
	return func(o *options) { o.insecure = true }
}

// WithPricing merges per-model pricing overrides into the cost table.
func WithPricing(pricing map[string]ModelPricing) Option {
	return func(o *options) { o.pricing = pricing }
}

// Instruments holds the OTEL instruments the Telemetry observer records to.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger relaylog.Logger

	// Counters
	AgentRuns       metric.Int64Counter
	AgentIterations metric.Int64Counter
	LLMRequests     metric.Int64Counter
	TokenUsage      metric.Int64Counter
	CostTotal       metric.Float64Counter
	ToolExecutions  metric.Int64Counter
	StreamChunks    metric.Int64Counter

	// Histograms
	AgentDuration metric.Float64Histogram
	LLMDuration   metric.Float64Histogram
	ToolDuration  metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters and installs them as the globals. Returns a shutdown function
// that must be called on application exit.
func Init(ctx context.Context, opts ...Option) (*Instruments, func(context.Context) error, error) {
	o := options{serviceName: "relay"}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(o.serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	var traceOpts []otlptracehttp.Option
	if o.endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpoint(o.endpoint))
	}
	if o.insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	var metricOpts []otlpmetrichttp.Option
	if o.endpoint != "" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(o.endpoint))
	}
	if o.insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	var logOpts []otlploghttp.Option
	if o.endpoint != "" {
		logOpts = append(logOpts, otlploghttp.WithEndpoint(o.endpoint))
	}
	if o.insecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}
	logExp, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(o.pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	agentRuns, err := meter.Int64Counter("agent.runs",
		metric.WithDescription("Agent run count by stop reason"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	agentIterations, err := meter.Int64Counter("agent.iterations",
		metric.WithDescription("Agent loop iteration count"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("Provider request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	streamChunks, err := meter.Int64Counter("stream.chunks",
		metric.WithDescription("Stream events received from providers"),
		metric.WithUnit("{chunk}"))
	if err != nil {
		return nil, err
	}

	agentDuration, err := meter.Float64Histogram("agent.duration",
		metric.WithDescription("Agent run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("Provider call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Logger:          logger,
		AgentRuns:       agentRuns,
		AgentIterations: agentIterations,
		LLMRequests:     llmRequests,
		TokenUsage:      tokenUsage,
		CostTotal:       costTotal,
		ToolExecutions:  toolExecutions,
		StreamChunks:    streamChunks,
		AgentDuration:   agentDuration,
		LLMDuration:     llmDuration,
		ToolDuration:    toolDuration,
		Cost:            NewCostCalculator(pricing),
	}, nil
}
