// Package observe provides application-wide observability primitives for
// llamacore: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all llamacore metrics.
const meterName = "github.com/MrWong99/llamacore"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ModelLoadDuration tracks the time spent loading a GGUF model into a
	// worker process, from launch through ready.
	ModelLoadDuration metric.Float64Histogram

	// GenerationDuration tracks end-to-end generation latency, from the
	// controller dispatching a prompt to the final stream-complete chunk.
	GenerationDuration metric.Float64Histogram

	// TimeToFirstToken tracks the latency from prompt dispatch to the first
	// streamed chunk.
	TimeToFirstToken metric.Float64Histogram

	// PlannerDuration tracks how long the resource planner spends computing
	// a loading plan, including any binary-search context-size probing.
	PlannerDuration metric.Float64Histogram

	// ToolExecutionDuration tracks reverse-call tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ModelLoads counts model load attempts. Use with attributes:
	//   attribute.String("model_id", ...), attribute.String("status", ...)
	ModelLoads metric.Int64Counter

	// GenerationRequests counts generation requests. Use with attributes:
	//   attribute.String("model_id", ...), attribute.String("status", ...)
	GenerationRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// WorkerRestarts counts worker subprocess restarts after a crash.
	WorkerRestarts metric.Int64Counter

	// --- Error counters ---

	// ModelLoadErrors counts failed model loads. Use with attribute:
	//   attribute.String("model_id", ...)
	ModelLoadErrors metric.Int64Counter

	// GenerationErrors counts failed generations. Use with attribute:
	//   attribute.String("model_id", ...)
	GenerationErrors metric.Int64Counter

	// --- Gauges ---

	// LoadedModels tracks the number of currently loaded models (0 or 1
	// under the single-loaded-model policy, but tracked as a gauge so a
	// future multi-model policy does not require an instrument change).
	LoadedModels metric.Int64UpDownCounter

	// ActiveChatSessions tracks the number of open chat sessions.
	ActiveChatSessions metric.Int64UpDownCounter

	// ActiveGenerations tracks the number of in-flight streaming
	// generation requests.
	ActiveGenerations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for model-loading and generation latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ModelLoadDuration, err = m.Float64Histogram("llamacore.model_load.duration",
		metric.WithDescription("Latency of loading a GGUF model into a worker."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("llamacore.generation.duration",
		metric.WithDescription("End-to-end generation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstToken, err = m.Float64Histogram("llamacore.generation.ttft",
		metric.WithDescription("Latency from prompt dispatch to the first streamed chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlannerDuration, err = m.Float64Histogram("llamacore.planner.duration",
		metric.WithDescription("Latency of resource-planner context/GPU-layer computation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("llamacore.tool_execution.duration",
		metric.WithDescription("Latency of reverse-call tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ModelLoads, err = m.Int64Counter("llamacore.model.loads",
		metric.WithDescription("Total model load attempts by model ID and status."),
	); err != nil {
		return nil, err
	}
	if met.GenerationRequests, err = m.Int64Counter("llamacore.generation.requests",
		metric.WithDescription("Total generation requests by model ID and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("llamacore.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("llamacore.worker.restarts",
		metric.WithDescription("Total worker subprocess restarts after a crash."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ModelLoadErrors, err = m.Int64Counter("llamacore.model.load_errors",
		metric.WithDescription("Total failed model loads by model ID."),
	); err != nil {
		return nil, err
	}
	if met.GenerationErrors, err = m.Int64Counter("llamacore.generation.errors",
		metric.WithDescription("Total failed generations by model ID."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.LoadedModels, err = m.Int64UpDownCounter("llamacore.loaded_models",
		metric.WithDescription("Number of currently loaded models."),
	); err != nil {
		return nil, err
	}
	if met.ActiveChatSessions, err = m.Int64UpDownCounter("llamacore.active_chat_sessions",
		metric.WithDescription("Number of open chat sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveGenerations, err = m.Int64UpDownCounter("llamacore.active_generations",
		metric.WithDescription("Number of in-flight streaming generation requests."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("llamacore.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordModelLoad is a convenience method that records a model load counter
// increment with the standard attribute set.
func (m *Metrics) RecordModelLoad(ctx context.Context, modelID, status string) {
	m.ModelLoads.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model_id", modelID),
			attribute.String("status", status),
		),
	)
}

// RecordGenerationRequest is a convenience method that records a generation
// request counter increment with the standard attribute set.
func (m *Metrics) RecordGenerationRequest(ctx context.Context, modelID, status string) {
	m.GenerationRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model_id", modelID),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordWorkerRestart is a convenience method that records a worker restart
// counter increment.
func (m *Metrics) RecordWorkerRestart(ctx context.Context) {
	m.WorkerRestarts.Add(ctx, 1)
}

// RecordModelLoadError is a convenience method that records a model load
// error counter increment.
func (m *Metrics) RecordModelLoadError(ctx context.Context, modelID string) {
	m.ModelLoadErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model_id", modelID)),
	)
}

// RecordGenerationError is a convenience method that records a generation
// error counter increment.
func (m *Metrics) RecordGenerationError(ctx context.Context, modelID string) {
	m.GenerationErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model_id", modelID)),
	)
}
