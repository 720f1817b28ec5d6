package media

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/huddle/pkg/audio"
	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// Track is one local audio track. A disabled track stays attached to every
// peer and keeps sending silence.
type Track struct {
	local   webrtc.LocalTrack
	enabled atomic.Bool
	stopped atomic.Bool
}

func newTrack(local webrtc.LocalTrack) *Track {
	t := &Track{local: local}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string { return t.local.ID() }

// Local returns the transport-level track to attach to peer connections.
func (t *Track) Local() webrtc.LocalTrack { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled toggles the track in place.
func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

// Stopped reports whether the owning source has ended the track.
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Stream is an acquired capture stream and its tracks.
type Stream struct {
	id       string
	deviceID string
	device   audio.CaptureDevice
	tracks   []*Track

	tapMu  sync.RWMutex
	taps   map[int]func(audio.AudioFrame)
	nextID int

	done     chan struct{}
	stopOnce sync.Once
	pumpDone chan struct{}
}

func (s *Stream) ID() string { return s.id }

// DeviceID returns the identifier of the capture device in use.
func (s *Stream) DeviceID() string { return s.deviceID }

// Tracks returns the stream's tracks. The slice must not be modified.
func (s *Stream) Tracks() []*Track { return s.tracks }

// LocalTracks returns the transport-level tracks of the stream.
func (s *Stream) LocalTracks() []webrtc.LocalTrack {
	out := make([]webrtc.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.local
	}
	return out
}

// Done is closed once the stream has been stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Tap registers fn to observe every captured PCM frame (after gain, in
// the encoder's format). It returns a function that removes the tap. fn
// runs on the capture goroutine and must not block.
func (s *Stream) Tap(fn func(audio.AudioFrame)) (remove func()) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	if s.taps == nil {
		s.taps = make(map[int]func(audio.AudioFrame))
	}
	id := s.nextID
	s.nextID++
	s.taps[id] = fn
	return func() {
		s.tapMu.Lock()
		delete(s.taps, id)
		s.tapMu.Unlock()
	}
}

func (s *Stream) notifyTaps(f audio.AudioFrame) {
	s.tapMu.RLock()
	defer s.tapMu.RUnlock()
	for _, fn := range s.taps {
		fn(f)
	}
}

// stop ends the stream. Only [Source] calls it.
func (s *Stream) stop() error {
	var err error
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.stopped.Store(true)
		}
		close(s.done)
		err = s.device.Close()
		<-s.pumpDone
	})
	return err
}
