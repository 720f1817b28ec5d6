// Package observe wires huddle into OpenTelemetry: metric instruments, span
// helpers, trace-aware logging and the admin HTTP middleware.
//
// Instruments are created through the OTel metrics API and exported for
// scraping by the Prometheus bridge that [InitProvider] installs. Production
// code shares [DefaultMetrics]; tests build their own with [NewMetrics] and a
// private meter provider.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every huddle instrument.
const meterName = "github.com/MrWong99/huddle"

// Metrics holds the instruments of a running client. Attribute keys are
// listed per field.
type Metrics struct {
	// NegotiationDuration: seconds per negotiation step. Key "step".
	NegotiationDuration metric.Float64Histogram
	// ConnectDuration: seconds from session creation to the first
	// connected transport state.
	ConnectDuration metric.Float64Histogram
	// HTTPRequestDuration: admin request latency. Keys "method" and "path".
	HTTPRequestDuration metric.Float64Histogram

	// SignalsSent and SignalsReceived count relay events. Key "event".
	SignalsSent     metric.Int64Counter
	SignalsReceived metric.Int64Counter
	// PeerStateChanges: key "state".
	PeerStateChanges metric.Int64Counter
	// SpeakingTransitions: key "speaking".
	SpeakingTransitions metric.Int64Counter
	SignalingReconnects metric.Int64Counter
	// NegotiationErrors: key "step".
	NegotiationErrors metric.Int64Counter
	PlaybackFailures  metric.Int64Counter
	DeviceErrors      metric.Int64Counter

	ActivePeers    metric.Int64UpDownCounter
	ChannelMembers metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds, spanning a local
// description swap up to a slow ICE connect.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var (
		m    Metrics
		errs []error
	)
	histogram := func(name, desc string, opts ...metric.Float64HistogramOption) metric.Float64Histogram {
		opts = append(opts, metric.WithDescription(desc), metric.WithUnit("s"))
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	gauge := func(name, desc string) metric.Int64UpDownCounter {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return g
	}

	buckets := metric.WithExplicitBucketBoundaries(latencyBuckets...)
	m.NegotiationDuration = histogram("huddle.negotiation.duration", "Latency of one offer/answer negotiation step.", buckets)
	m.ConnectDuration = histogram("huddle.peer.connect.duration", "Time from peer session creation until the transport connects.", buckets)
	m.HTTPRequestDuration = histogram("huddle.http.request.duration", "Admin HTTP request latency by method and route.")

	m.SignalsSent = counter("huddle.signals.sent", "Outbound signaling events by event name.")
	m.SignalsReceived = counter("huddle.signals.received", "Inbound signaling events by event name.")
	m.PeerStateChanges = counter("huddle.peer.state_changes", "Peer transport state changes by state.")
	m.SpeakingTransitions = counter("huddle.speaking.transitions", "Local speaking transitions.")
	m.SignalingReconnects = counter("huddle.signaling.reconnects", "Signaling reconnect attempts.")
	m.NegotiationErrors = counter("huddle.negotiation.errors", "Failed negotiation steps by step.")
	m.PlaybackFailures = counter("huddle.playback.failures", "Remote streams that failed to start playing.")
	m.DeviceErrors = counter("huddle.device.errors", "Capture device acquisition failures.")

	m.ActivePeers = gauge("huddle.active_peers", "Open peer sessions.")
	m.ChannelMembers = gauge("huddle.channel_members", "Members of the joined voice channel.")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider, created on first use. Call it after [InitProvider] so the
// instruments bind to the exporting provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordSignal counts one relay event in the given direction.
func (m *Metrics) RecordSignal(ctx context.Context, outbound bool, event string) {
	c := m.SignalsReceived
	if outbound {
		c = m.SignalsSent
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordNegotiationStep records the latency of step and counts it as an
// error when failed.
func (m *Metrics) RecordNegotiationStep(ctx context.Context, step string, seconds float64, failed bool) {
	attrs := metric.WithAttributes(attribute.String("step", step))
	m.NegotiationDuration.Record(ctx, seconds, attrs)
	if failed {
		m.NegotiationErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordPeerState(ctx context.Context, state string) {
	m.PeerStateChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RecordSpeaking(ctx context.Context, speaking bool) {
	m.SpeakingTransitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("speaking", speaking)))
}
