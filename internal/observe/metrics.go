// Package observe provides OpenTelemetry metrics for the live session server.
//
// Instruments are created from a [metric.MeterProvider] so tests can read
// them through a manual reader; [InitProvider] installs a Prometheus bridge
// for the /metrics endpoint.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ashureev/livelink"

// Metrics holds the instruments recorded by sessions. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// ActiveSessions tracks live sessions with an open upstream.
	ActiveSessions metric.Int64UpDownCounter

	// FramesRelayed counts media frames handed to the upstream. Attribute: kind.
	FramesRelayed metric.Int64Counter

	// FramesDropped counts frames discarded by backpressure. Attribute: kind.
	FramesDropped metric.Int64Counter

	// EnvelopesRejected counts malformed client messages.
	EnvelopesRejected metric.Int64Counter

	// AuthFailures counts refused connections. Attribute: reason.
	AuthFailures metric.Int64Counter

	// UpstreamErrors counts fatal upstream failures. Attribute: op.
	UpstreamErrors metric.Int64Counter

	// TurnsPersisted counts completed turns written to the store.
	TurnsPersisted metric.Int64Counter

	// PersistenceErrors counts failed transcript writes.
	PersistenceErrors metric.Int64Counter

	// UpstreamOpenDuration tracks upstream connection setup, in seconds.
	UpstreamOpenDuration metric.Float64Histogram
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.ActiveSessions, err = meter.Int64UpDownCounter("livelink.sessions.active",
		metric.WithDescription("Live sessions currently bridged to an upstream.")); err != nil {
		return nil, err
	}
	if m.FramesRelayed, err = meter.Int64Counter("livelink.frames.relayed",
		metric.WithDescription("Media frames forwarded to the upstream.")); err != nil {
		return nil, err
	}
	if m.FramesDropped, err = meter.Int64Counter("livelink.frames.dropped",
		metric.WithDescription("Media frames dropped by drop-oldest backpressure.")); err != nil {
		return nil, err
	}
	if m.EnvelopesRejected, err = meter.Int64Counter("livelink.envelopes.rejected",
		metric.WithDescription("Malformed client envelopes dropped.")); err != nil {
		return nil, err
	}
	if m.AuthFailures, err = meter.Int64Counter("livelink.auth.failures",
		metric.WithDescription("Connections refused during authentication.")); err != nil {
		return nil, err
	}
	if m.UpstreamErrors, err = meter.Int64Counter("livelink.upstream.errors",
		metric.WithDescription("Sessions torn down by an upstream failure.")); err != nil {
		return nil, err
	}
	if m.TurnsPersisted, err = meter.Int64Counter("livelink.turns.persisted",
		metric.WithDescription("Completed turns written to the transcript store.")); err != nil {
		return nil, err
	}
	if m.PersistenceErrors, err = meter.Int64Counter("livelink.persistence.errors",
		metric.WithDescription("Transcript writes that failed.")); err != nil {
		return nil, err
	}
	if m.UpstreamOpenDuration, err = meter.Float64Histogram("livelink.upstream.open.duration",
		metric.WithDescription("Time to open an upstream session."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns instruments bound to the global meter provider.
// Call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("mode", mode)))
}

// FrameRelayed records one frame sent upstream.
func (m *Metrics) FrameRelayed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.FramesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// FrameDropped records one frame discarded by backpressure.
func (m *Metrics) FrameDropped(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// EnvelopeRejected records a malformed client envelope.
func (m *Metrics) EnvelopeRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.EnvelopesRejected.Add(ctx, 1)
}

// AuthFailure records a refused connection.
func (m *Metrics) AuthFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// UpstreamError records a fatal upstream failure.
func (m *Metrics) UpstreamError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// TurnPersisted records a completed turn written to the store.
func (m *Metrics) TurnPersisted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TurnsPersisted.Add(ctx, 1)
}

// PersistenceError records a failed transcript write.
func (m *Metrics) PersistenceError(ctx context.Context) {
	if m == nil {
		return
	}
	m.PersistenceErrors.Add(ctx, 1)
}

// UpstreamOpened records the setup latency of an upstream session.
func (m *Metrics) UpstreamOpened(ctx context.Context, seconds float64, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.UpstreamOpenDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}
