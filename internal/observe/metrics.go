// Package observe provides application-wide observability primitives for
// Nimbus: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported via
// the Prometheus bridge set up by [InitProvider]. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Nimbus metrics.
const meterName = "github.com/nimbusiq/nimbus"

// Reasons attached to FramesDropped.
const (
	DropPreOpen      = "pre_open"
	DropBackpressure = "backpressure"
	DropSendFailed   = "send_failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Relay ---

	// ActiveSessions tracks relays that currently hold a remote session.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks the time from dial to setupComplete. Use with
	// attribute.String("status", ...).
	ConnectDuration metric.Float64Histogram

	// FramesSent counts captured frames forwarded to the remote.
	FramesSent metric.Int64Counter

	// FramesDropped counts captured frames that never reached the remote. Use
	// with attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// DecodeErrors counts inbound audio chunks dropped as malformed.
	DecodeErrors metric.Int64Counter

	// Turns counts completed conversational turns. Use with
	// attribute.String("panel", ...).
	Turns metric.Int64Counter

	// --- Playback ---

	// BuffersScheduled counts buffers handed to the playback scheduler.
	BuffersScheduled metric.Int64Counter

	// BuffersCancelled counts scheduled buffers cancelled before they started.
	BuffersCancelled metric.Int64Counter

	// --- Studio ---

	// StudioDuration tracks one-shot generation latency. Use with
	// attribute.String("op", ...), attribute.String("status", ...).
	StudioDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake and generation latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("nimbus.relay.sessions.active",
		metric.WithDescription("Number of relays holding a remote session."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("nimbus.relay.connect.duration",
		metric.WithDescription("Latency from dial to setupComplete."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("nimbus.relay.frames.sent",
		metric.WithDescription("Captured frames forwarded to the remote."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("nimbus.relay.frames.dropped",
		metric.WithDescription("Captured frames not forwarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("nimbus.relay.decode_errors",
		metric.WithDescription("Inbound audio chunks dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("nimbus.relay.turns",
		metric.WithDescription("Completed conversational turns by panel."),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("nimbus.playback.buffers.scheduled",
		metric.WithDescription("Buffers handed to the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.BuffersCancelled, err = m.Int64Counter("nimbus.playback.buffers.cancelled",
		metric.WithDescription("Scheduled buffers cancelled before they started."),
	); err != nil {
		return nil, err
	}
	if met.StudioDuration, err = m.Float64Histogram("nimbus.studio.duration",
		metric.WithDescription("Latency of one-shot studio generation by op and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("nimbus.http.request.duration",
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

// RecordConnect records one handshake attempt.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, err error) {
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status(err))))
}

// RecordDroppedFrame records one captured frame that was not forwarded.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordTurn records one completed turn for panel.
func (m *Metrics) RecordTurn(ctx context.Context, panel string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("panel", panel)))
}

// RecordStudio records one studio call.
func (m *Metrics) RecordStudio(ctx context.Context, op string, d time.Duration, err error) {
	m.StudioDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("op", op), Attr("status", status(err))),
	)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
