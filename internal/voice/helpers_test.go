package voice_test

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/huddle/internal/signaling"
	"github.com/MrWong99/huddle/internal/voice"
	"github.com/MrWong99/huddle/pkg/audio"
	audiomock "github.com/MrWong99/huddle/pkg/audio/mock"
	"github.com/MrWong99/huddle/pkg/audio/opus"
	rtcmock "github.com/MrWong99/huddle/pkg/audio/webrtc/mock"
)

// ─── fakeTransport ────────────────────────────────────────────────────────────

type emitted struct {
	event   string
	payload any
}

// fakeTransport records emitted events and delivers inbound ones
// synchronously on the test goroutine.
type fakeTransport struct {
	mu       sync.Mutex
	ready    bool
	sent     []emitted
	handlers map[string][]signaling.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ready: true, handlers: make(map[string][]signaling.Handler)}
}

func (f *fakeTransport) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return signaling.ErrTransportUnavailable
	}
	f.sent = append(f.sent, emitted{event, payload})
	return nil
}

func (f *fakeTransport) On(event string, h signaling.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeTransport) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s: %v", event, err)
		}
		data = b
	}
	f.mu.Lock()
	list := append([]signaling.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range list {
		h(context.Background(), data)
	}
}

func (f *fakeTransport) events(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.sent {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeTransport) signals() []signaling.VoiceSignal {
	var out []signaling.VoiceSignal
	for _, p := range f.events(signaling.EventVoiceSignal) {
		out = append(out, p.(signaling.VoiceSignal))
	}
	return out
}

// ─── recordingIndicator ───────────────────────────────────────────────────────

type recordingIndicator struct {
	mu       sync.Mutex
	speaking map[string]bool
	muted    map[string]bool
	removed  []string
	alerts   []string
}

func newIndicator() *recordingIndicator {
	return &recordingIndicator{speaking: map[string]bool{}, muted: map[string]bool{}}
}

func (r *recordingIndicator) SetSpeaking(id string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaking[id] = v
}

func (r *recordingIndicator) SetMuted(id string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted[id] = v
}

func (r *recordingIndicator) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recordingIndicator) Alert(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, msg)
}

func (r *recordingIndicator) alertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func (r *recordingIndicator) isMuted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted[id]
}

func (r *recordingIndicator) isSpeaking(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speaking[id]
}

func (r *recordingIndicator) wasRemoved(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.removed {
		if x == id {
			return true
		}
	}
	return false
}

// ─── participant ──────────────────────────────────────────────────────────────

type nopEncoder struct{}

func (nopEncoder) Encode([]byte) ([]byte, error) { return []byte{0}, nil }

// participant is one client together with the mocks behind it.
type participant struct {
	id        string
	client    *voice.Client
	peers     *rtcmock.Factory
	sinks     *audiomock.SinkFactory
	devices   *audiomock.DeviceProvider
	mic       *audiomock.CaptureDevice
	indicator *recordingIndicator
}

func newParticipant(t *testing.T, id string, tr signaling.Transport, tweak func(*voice.Deps)) *participant {
	t.Helper()
	p := &participant{
		id:        id,
		peers:     &rtcmock.Factory{},
		sinks:     &audiomock.SinkFactory{},
		mic:       audiomock.NewCaptureDevice("mic-"+id, opus.Format),
		indicator: newIndicator(),
	}
	p.devices = &audiomock.DeviceProvider{OpenResult: p.mic}
	deps := voice.Deps{
		Transport:  tr,
		Devices:    p.devices,
		Peers:      p.peers,
		Tracks:     &rtcmock.Factory{},
		Sinks:      p.sinks,
		NewEncoder: func() (opus.Encoder, error) { return nopEncoder{}, nil },
		Indicator:  p.indicator,
	}
	if tweak != nil {
		tweak(&deps)
	}
	c, err := voice.New(voice.Config{UserID: id, ChannelID: "room", Interval: 5 * time.Millisecond}, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.client = c
	t.Cleanup(func() { _ = c.Close() })
	return p
}

func (p *participant) join(t *testing.T) {
	t.Helper()
	if err := p.client.Join(context.Background()); err != nil {
		t.Fatalf("%s: Join: %v", p.id, err)
	}
}

func (p *participant) sync(t *testing.T) {
	t.Helper()
	if !p.client.Peers().Sync(2 * time.Second) {
		t.Fatalf("%s: peer sessions did not settle", p.id)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// tone returns a loud 1.5 kHz frame in the Opus format.
func tone() audio.AudioFrame {
	const amplitude = 12000
	samples := opus.FrameSize
	pcm := make([]int16, samples*opus.Channels)
	for i := range samples {
		v := int16(amplitude * math.Sin(2*math.Pi*1500*float64(i)/opus.SampleRate))
		pcm[2*i] = v
		pcm[2*i+1] = v
	}
	return audio.AudioFrame{Data: audio.Int16sToBytes(pcm), SampleRate: opus.SampleRate, Channels: opus.Channels}
}
