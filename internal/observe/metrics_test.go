package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumOf adds up the data points of an int64 sum whose attributes include
// every entry of match.
func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string, match ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("%s not recorded", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data = %T, want Sum[int64]", name, met.Data)
	}
	var total int64
points:
	for _, dp := range sum.DataPoints {
		for _, kv := range match {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v != kv.Value {
				continue points
			}
		}
		total += dp.Value
	}
	return total
}

// samplesOf counts the observations of a float64 histogram.
func samplesOf(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("%s not recorded", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("%s data = %T, want Histogram[float64]", name, met.Data)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

func TestRecordSignal(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordSignal(ctx, true, "voice_signal")
	m.RecordSignal(ctx, true, "voice_signal")
	m.RecordSignal(ctx, false, "voice_signal")
	m.RecordSignal(ctx, false, "user_speaking")

	rm := collect(t, reader)
	tests := []struct {
		metric, event string
		want          int64
	}{
		{"huddle.signals.sent", "voice_signal", 2},
		{"huddle.signals.received", "voice_signal", 1},
		{"huddle.signals.received", "user_speaking", 1},
		{"huddle.signals.sent", "user_speaking", 0},
	}
	for _, tc := range tests {
		if got := sumOf(t, rm, tc.metric, attribute.String("event", tc.event)); got != tc.want {
			t.Errorf("%s{event=%s} = %d, want %d", tc.metric, tc.event, got, tc.want)
		}
	}
}

func TestRecordNegotiationStep(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordNegotiationStep(ctx, "create_offer", 0.01, false)
	m.RecordNegotiationStep(ctx, "create_offer", 0.02, true)
	m.RecordNegotiationStep(ctx, "set_remote", 0.03, true)

	rm := collect(t, reader)
	if n := samplesOf(t, rm, "huddle.negotiation.duration"); n != 3 {
		t.Errorf("duration samples = %d, want 3", n)
	}
	for _, step := range []string{"create_offer", "set_remote"} {
		if got := sumOf(t, rm, "huddle.negotiation.errors", attribute.String("step", step)); got != 1 {
			t.Errorf("errors{step=%s} = %d, want 1", step, got)
		}
	}
}

func TestRecordPeerStateAndSpeaking(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	for _, s := range []string{"connected", "failed", "connected"} {
		m.RecordPeerState(ctx, s)
	}
	for _, v := range []bool{true, false, true} {
		m.RecordSpeaking(ctx, v)
	}

	rm := collect(t, reader)
	if got := sumOf(t, rm, "huddle.peer.state_changes", attribute.String("state", "connected")); got != 2 {
		t.Errorf("state_changes{connected} = %d, want 2", got)
	}
	if got := sumOf(t, rm, "huddle.speaking.transitions", attribute.Bool("speaking", false)); got != 1 {
		t.Errorf("speaking.transitions{false} = %d, want 1", got)
	}
}

func TestInstrumentsExport(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.PlaybackFailures.Add(ctx, 1)
	m.DeviceErrors.Add(ctx, 2)
	m.SignalingReconnects.Add(ctx, 3)
	m.ActivePeers.Add(ctx, 3)
	m.ActivePeers.Add(ctx, -1)
	m.ChannelMembers.Add(ctx, 4)
	m.ConnectDuration.Record(ctx, 0.8)
	m.HTTPRequestDuration.Record(ctx, 0.002)

	rm := collect(t, reader)
	sums := map[string]int64{
		"huddle.playback.failures":    1,
		"huddle.device.errors":        2,
		"huddle.signaling.reconnects": 3,
		"huddle.active_peers":         2,
		"huddle.channel_members":      4,
	}
	for name, want := range sums {
		if got := sumOf(t, rm, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
	for _, name := range []string{"huddle.peer.connect.duration", "huddle.http.request.duration"} {
		if n := samplesOf(t, rm, name); n != 1 {
			t.Errorf("%s samples = %d, want 1", name, n)
		}
	}
}

func TestDefaultMetrics_IsShared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
