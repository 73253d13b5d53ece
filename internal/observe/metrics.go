// Package observe provides application-wide observability primitives for Red
// AI: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// for the status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from /metrics. [DefaultMetrics] returns a package-level instance;
// tests should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Red AI metrics.
const meterName = "github.com/dworldbd-stack/red698"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio path counters ---

	// CaptureFrames counts fixed-size microphone frames cut by the capture
	// pipeline.
	CaptureFrames metric.Int64Counter

	// FramesSent counts frames accepted by the live session's outbound queue.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames the live session refused. Use with
	// attribute.String("reason", "backpressure"|"closed"|"error").
	FramesDropped metric.Int64Counter

	// PlaybackChunks counts audio chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// SnapForwards counts chunks whose start had to jump to the output clock
	// because playback fell behind.
	SnapForwards metric.Int64Counter

	// DecodeErrors counts inbound audio blobs dropped as undecodable.
	DecodeErrors metric.Int64Counter

	// --- Latency histograms ---

	// ConnectDuration tracks time from connect to the session opening.
	ConnectDuration metric.Float64Histogram

	// ChatDuration tracks end-to-end text chat latency.
	ChatDuration metric.Float64Histogram

	// --- Provider accounting ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// round trips to the model service.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.CaptureFrames, "redai.capture.frames", "Microphone frames cut by the capture pipeline."},
		{&met.FramesSent, "redai.live.frames_sent", "Audio frames queued for the live session."},
		{&met.FramesDropped, "redai.live.frames_dropped", "Audio frames refused by the live session, by reason."},
		{&met.PlaybackChunks, "redai.playback.chunks", "Audio chunks scheduled for playback."},
		{&met.SnapForwards, "redai.playback.snap_forwards", "Playback chunks moved forward to the output clock."},
		{&met.DecodeErrors, "redai.audio.decode_errors", "Inbound audio blobs dropped as undecodable."},
		{&met.ProviderRequests, "redai.provider.requests", "Total provider requests by provider, kind, and status."},
		{&met.ProviderErrors, "redai.provider.errors", "Total provider errors by provider and kind."},
	}
	for _, c := range counters {
		inst, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	var err error
	if met.ConnectDuration, err = m.Float64Histogram("redai.live.connect.duration",
		metric.WithDescription("Time from dialling the live service to the session opening."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("redai.chat.duration",
		metric.WithDescription("Latency of a text chat exchange."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("redai.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("redai.http.request.duration",
		metric.WithDescription("Status server request latency by method and path."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFrameDropped records a refused outbound frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
