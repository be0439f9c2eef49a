// Package observe provides application-wide observability primitives for the
// VocalLocal transcription server: OpenTelemetry metrics, distributed
// tracing, structured logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/radubobirnac/vocallocal"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ChunkDuration tracks end-to-end per-chunk processing latency
	// (resolve → transcribe → merge).
	ChunkDuration metric.Float64Histogram

	// TranscribeDuration tracks provider transcription latency. Use with
	// attribute.String("provider", ...).
	TranscribeDuration metric.Float64Histogram

	// ResolveDuration tracks model resolution latency, including the bounded
	// entitlement wait.
	ResolveDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// DegradedDecisions counts resolver fallbacks caused by entitlement
	// timeouts or errors. Use with attribute.String("reason", ...).
	DegradedDecisions metric.Int64Counter

	// ChunksDropped counts producer chunks discarded as empty or corrupt.
	ChunksDropped metric.Int64Counter

	// LedgerWrites counts usage ledger outcomes. Use with attribute:
	//   attribute.String("status", "ok"|"retried"|"dropped")
	LedgerWrites metric.Int64Counter

	// ResetOutcomes counts per-user reset results. Use with attribute:
	//   attribute.String("status", "reset"|"skipped"|"error")
	ResetOutcomes metric.Int64Counter

	// --- Gauges ---

	// LedgerQueueDepth tracks how many usage records are waiting for the
	// background worker.
	LedgerQueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live recording sessions with merge
	// state held in memory.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batch transcription calls, which run from tens of milliseconds to tens of
// seconds for long file segments.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkDuration, err = m.Float64Histogram("vocallocal.chunk.duration",
		metric.WithDescription("End-to-end per-chunk processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("vocallocal.transcribe.duration",
		metric.WithDescription("Provider transcription latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResolveDuration, err = m.Float64Histogram("vocallocal.resolve.duration",
		metric.WithDescription("Model resolution latency including the bounded entitlement wait."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocallocal.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("vocallocal.provider.requests",
		metric.WithDescription("Transcription provider API calls."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("vocallocal.provider.errors",
		metric.WithDescription("Transcription provider failures."),
	); err != nil {
		return nil, err
	}
	if met.DegradedDecisions, err = m.Int64Counter("vocallocal.resolve.degraded",
		metric.WithDescription("Access decisions substituted due to entitlement timeouts or errors."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("vocallocal.chunks.dropped",
		metric.WithDescription("Producer chunks discarded as empty or corrupt."),
	); err != nil {
		return nil, err
	}
	if met.LedgerWrites, err = m.Int64Counter("vocallocal.ledger.writes",
		metric.WithDescription("Usage ledger write outcomes."),
	); err != nil {
		return nil, err
	}
	if met.ResetOutcomes, err = m.Int64Counter("vocallocal.reset.outcomes",
		metric.WithDescription("Per-user usage reset results."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.LedgerQueueDepth, err = m.Int64UpDownCounter("vocallocal.ledger.queue.depth",
		metric.WithDescription("Usage records waiting for the background ledger worker."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocallocal.sessions.active",
		metric.WithDescription("Live recording sessions with merge state in memory."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics holds the lazily created package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first use from the global OTel meter provider. Instrument creation errors
// are impossible with valid names, so the error from [NewMetrics] is ignored.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, _ = NewMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics
}

// RecordProviderRequest is a convenience helper that increments
// [Metrics.ProviderRequests] and, on failure, [Metrics.ProviderErrors].
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
		))
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}
