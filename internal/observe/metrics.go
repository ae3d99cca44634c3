// Package observe provides application-wide observability primitives for
// callrelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all callrelay metrics.
const meterName = "github.com/MrWong99/callrelay"

// Audio directions used as the "direction" attribute.
const (
	// DirectionInbound is caller audio flowing to the speech model.
	DirectionInbound = "inbound"

	// DirectionOutbound is model audio flowing back to the caller.
	DirectionOutbound = "outbound"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of calls currently being relayed.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long each relayed call lasted.
	SessionDuration metric.Float64Histogram

	// --- Audio frames ---

	// FramesForwarded counts transcoded frames delivered. Use with attribute:
	//   attribute.String("direction", ...)
	FramesForwarded metric.Int64Counter

	// FramesDropped counts frames that were not delivered. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// --- Upstream ---

	// UpstreamConnectDuration tracks the dial + configure latency of the
	// speech model session.
	UpstreamConnectDuration metric.Float64Histogram

	// UpstreamErrors counts upstream failures and error events. Use with
	// attribute:
	//   attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks plain HTTP request latency. Attributes:
	//   method, route (mux pattern), status
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call
// lengths.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("callrelay.active_sessions",
		metric.WithDescription("Number of calls currently being relayed."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("callrelay.session.duration",
		metric.WithDescription("Duration of relayed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesForwarded, err = m.Int64Counter("callrelay.frames.forwarded",
		metric.WithDescription("Total audio frames forwarded by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callrelay.frames.dropped",
		metric.WithDescription("Total audio frames dropped by direction and reason."),
	); err != nil {
		return nil, err
	}

	if met.UpstreamConnectDuration, err = m.Float64Histogram("callrelay.upstream.connect.duration",
		metric.WithDescription("Latency of opening and configuring a speech model session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("callrelay.upstream.errors",
		metric.WithDescription("Total speech model errors by kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("callrelay.http.request.duration",
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

// RecordFrameForwarded records one frame delivered in direction.
func (m *Metrics) RecordFrameForwarded(ctx context.Context, direction string) {
	m.FramesForwarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordFrameDropped records one frame dropped in direction for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordUpstreamError records one upstream error of the given kind.
func (m *Metrics) RecordUpstreamError(ctx context.Context, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active session gauge and records the call
// duration in seconds.
func (m *Metrics) SessionEnded(ctx context.Context, seconds float64) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, seconds)
}
