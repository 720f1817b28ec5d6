// Package voice runs one participant's membership of a voice channel.
//
// A [Client] owns everything the membership needs: the local media source,
// the peer registry and negotiation engine, the speaking monitor, the remote
// renderer and the channel roster. It reacts to relay events delivered by a
// [signaling.Transport] and never keeps package-level state, so several
// clients can share one process.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/huddle/internal/activity"
	"github.com/MrWong99/huddle/internal/media"
	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/peer"
	"github.com/MrWong99/huddle/internal/prefs"
	"github.com/MrWong99/huddle/internal/render"
	"github.com/MrWong99/huddle/internal/roster"
	"github.com/MrWong99/huddle/internal/signaling"
	"github.com/MrWong99/huddle/pkg/audio"
	"github.com/MrWong99/huddle/pkg/audio/opus"
	"github.com/MrWong99/huddle/pkg/audio/webrtc"
	"github.com/MrWong99/huddle/pkg/provider/vad"
)

// Config identifies the membership and tunes speaking detection.
type Config struct {
	// UserID is the local participant ID. Required.
	UserID string

	// Username labels the local member in the roster. Optional.
	Username string

	// ChannelID is the voice channel to join. Required.
	ChannelID string

	// InputDevice overrides the stored input preference when non-empty.
	InputDevice string

	// VAD holds the speaking thresholds. The zero value means
	// [vad.DefaultConfig].
	VAD vad.Config

	// Interval is the speaking sample period. Defaults to
	// [activity.DefaultInterval].
	Interval time.Duration

	// Gain scales the microphone. Zero means unity.
	Gain float64
}

// Deps are the collaborators of a [Client].
type Deps struct {
	// Transport carries relay events. Required.
	Transport signaling.Transport

	// Devices opens the microphone. Required.
	Devices audio.DeviceProvider

	// Peers creates peer transports. A nil factory means peer connections
	// are unavailable; the client then only tracks the roster.
	Peers webrtc.Factory

	// Tracks creates local tracks. Required.
	Tracks webrtc.TrackFactory

	// Sinks plays remote participants. Required.
	Sinks audio.SinkFactory

	// Prefs supplies the stored input and output device. May be nil.
	Prefs *prefs.Store

	// NewEncoder overrides the Opus encoder used for capture.
	NewEncoder func() (opus.Encoder, error)

	// VAD overrides the speaking classification engine.
	VAD vad.Engine

	// Indicator receives badge updates and alerts. Defaults to logging alerts.
	Indicator Indicator

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Client is one voice channel membership. All methods are safe for
// concurrent use.
type Client struct {
	cfg       Config
	transport signaling.Transport
	devices   audio.DeviceProvider
	sinks     audio.SinkFactory
	prefs     *prefs.Store
	vad       vad.Engine
	indicator Indicator
	metrics   *observe.Metrics
	logger    *slog.Logger

	media    *media.Source
	registry *peer.Registry
	engine   *peer.Engine
	roster   *roster.Roster

	mu          sync.Mutex
	joined      bool
	announced   bool
	sawConnect  bool
	rosterSeen  bool
	members     int64
	renderer    *render.Renderer
	monitor     *activity.Monitor
	stopMonitor context.CancelFunc
	monitorDone chan struct{}
	untap       func()
}

// New wires a client and registers its relay handlers. Events that arrive
// before [Client.Join] are ignored. Nothing is sent until Join.
func New(cfg Config, deps Deps) (*Client, error) {
	var errs []error
	if cfg.UserID == "" {
		errs = append(errs, errors.New("voice: user id is required"))
	}
	if cfg.ChannelID == "" {
		errs = append(errs, errors.New("voice: channel id is required"))
	}
	if deps.Transport == nil {
		errs = append(errs, errors.New("voice: transport is required"))
	}
	if deps.Devices == nil {
		errs = append(errs, errors.New("voice: device provider is required"))
	}
	if deps.Tracks == nil {
		errs = append(errs, errors.New("voice: track factory is required"))
	}
	if deps.Sinks == nil {
		errs = append(errs, errors.New("voice: sink factory is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("user", cfg.UserID, "channel", cfg.ChannelID)
	if deps.Indicator == nil {
		deps.Indicator = logIndicator{logger: logger}
	}

	c := &Client{
		cfg:       cfg,
		transport: deps.Transport,
		devices:   deps.Devices,
		sinks:     deps.Sinks,
		prefs:     deps.Prefs,
		vad:       deps.VAD,
		indicator: deps.Indicator,
		metrics:   deps.Metrics,
		logger:    logger,
		roster:    roster.New(cfg.UserID),
	}
	c.media = media.NewSource(media.SourceConfig{
		Devices:    deps.Devices,
		Tracks:     deps.Tracks,
		NewEncoder: deps.NewEncoder,
		Gain:       cfg.Gain,
		Logger:     logger,
	})
	c.registry = peer.NewRegistry(peer.RegistryConfig{
		Transports: deps.Peers,
		Media:      c.media,
		Metrics:    deps.Metrics,
		Logger:     logger,
	})
	c.engine = peer.NewEngine(peer.EngineConfig{
		LocalID:       cfg.UserID,
		Registry:      c.registry,
		Signaler:      relaySignaler{c: c},
		OnRemoteTrack: c.remoteTrack,
		OnClosed:      c.peerClosed,
		Metrics:       deps.Metrics,
		Logger:        logger,
	})
	c.registerHandlers()
	return c, nil
}

// Roster returns the channel display state.
func (c *Client) Roster() *roster.Roster { return c.roster }

// Peers returns the peer registry.
func (c *Client) Peers() *peer.Registry { return c.registry }

// Media returns the local media source.
func (c *Client) Media() *media.Source { return c.media }

// Joined reports whether the client is in the channel.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Speaking reports the local speaking classification. It is false while
// no microphone is open.
func (c *Client) Speaking() bool {
	c.mu.Lock()
	m := c.monitor
	c.mu.Unlock()
	return m != nil && m.Speaking()
}

// Join acquires the microphone, announces the client to the channel and
// starts speaking detection. A microphone that cannot be opened raises an
// alert; the client then joins without sending audio. Joining twice is a
// no-op.
func (c *Client) Join(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined {
		return nil
	}

	stream, err := c.media.Acquire(ctx, c.inputDevice())
	if err != nil {
		c.metrics.DeviceErrors.Add(ctx, 1)
		c.logger.Error("voice: cannot access microphone", "err", err)
		c.indicator.Alert("Cannot access the microphone. Check the device and its permissions.")
		stream = nil
	}
	if stream != nil {
		c.registry.AttachStream(stream)
	}

	c.renderer = render.New(render.Config{
		Sinks:        c.sinks,
		OutputDevice: c.outputDevice,
		Metrics:      c.metrics,
		Logger:       c.logger,
	})
	c.joined = true
	c.rosterSeen = false
	c.roster.Add(c.cfg.UserID, c.cfg.Username)

	c.announced = c.send(ctx, signaling.EventJoinVoiceChannel, signaling.JoinVoiceChannel{ChannelID: c.cfg.ChannelID}) == nil && c.transport.Ready()

	if stream != nil {
		if err := c.startMonitorLocked(stream); err != nil {
			c.logger.Error("voice: speaking detection unavailable", "err", err)
		}
	}
	c.logger.Info("voice: joined channel", "audio", stream != nil)
	return nil
}

// Leave announces the departure, stops speaking detection and closes every
// peer session and the microphone. Leaving while not joined is a no-op.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	c.announced = false
	_ = c.send(ctx, signaling.EventLeaveVoiceChannel, nil)
	c.stopMonitorLocked()
	renderer := c.renderer
	c.renderer = nil
	c.setMembersLocked(ctx, 0)
	c.mu.Unlock()

	err := c.registry.CloseAll()
	if renderer != nil {
		renderer.Close()
	}
	for _, m := range c.roster.Members() {
		c.indicator.Remove(m.ID)
	}
	c.roster.Clear()
	if err != nil {
		return fmt.Errorf("voice: leave: %w", err)
	}
	c.logger.Info("voice: left channel")
	return nil
}

// SetMuted mutes or unmutes the microphone and tells the channel. Without an
// open microphone it does nothing.
func (c *Client) SetMuted(ctx context.Context, muted bool) {
	if c.media.Stream() == nil {
		c.logger.Warn("voice: mute change without microphone ignored")
		return
	}
	c.media.SetMuted(muted)
	c.roster.SetMuted(c.cfg.UserID, muted)
	c.indicator.SetMuted(c.cfg.UserID, muted)
	_ = c.send(ctx, signaling.EventUpdateMuteStatus, signaling.MuteStatus{IsMuted: muted})
}

// ToggleMute flips the mute flag and returns the new value.
func (c *Client) ToggleMute(ctx context.Context) bool {
	muted := !c.media.Muted()
	c.SetMuted(ctx, muted)
	return c.media.Muted()
}

// Close leaves the channel.
func (c *Client) Close() error {
	return c.Leave(context.Background())
}

// send emits an event. An unavailable transport is logged and not reported
// to the caller.
func (c *Client) send(ctx context.Context, event string, payload any) error {
	err := c.transport.Emit(ctx, event, payload)
	switch {
	case errors.Is(err, signaling.ErrTransportUnavailable):
		c.logger.Warn("voice: relay not connected, event dropped", "event", event)
		return nil
	case err != nil:
		c.logger.Error("voice: emit failed", "event", event, "err", err)
		return err
	}
	if event != signaling.EventVoiceSignal {
		c.metrics.RecordSignal(ctx, true, event)
	}
	return nil
}

func (c *Client) inputDevice() string {
	if c.cfg.InputDevice != "" {
		return c.cfg.InputDevice
	}
	if c.prefs != nil {
		return c.prefs.Get(prefs.KeyAudioInput)
	}
	return ""
}

func (c *Client) outputDevice() string {
	if c.prefs != nil {
		return c.prefs.Get(prefs.KeyAudioOutput)
	}
	return ""
}

func (c *Client) startMonitorLocked(stream *media.Stream) error {
	analyser := activity.NewSpectrumAnalyser()
	mon, err := activity.NewMonitor(activity.Config{
		Analyser: analyser,
		Engine:   c.vad,
		VAD:      c.cfg.VAD,
		Interval: c.cfg.Interval,
		Muted:    c.media.Muted,
		OnChange: c.speakingChanged,
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.untap = stream.Tap(analyser.Write)
	c.monitor = mon
	c.stopMonitor = cancel
	c.monitorDone = done
	go func() {
		defer close(done)
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("voice: speaking monitor stopped", "err", err)
		}
	}()
	return nil
}

func (c *Client) stopMonitorLocked() {
	if c.untap != nil {
		c.untap()
		c.untap = nil
	}
	if c.stopMonitor != nil {
		c.stopMonitor()
		<-c.monitorDone
		c.stopMonitor = nil
		c.monitorDone = nil
	}
	c.monitor = nil
}

func (c *Client) speakingChanged(speaking bool) {
	ctx := context.Background()
	c.metrics.RecordSpeaking(ctx, speaking)
	c.roster.SetSpeaking(c.cfg.UserID, speaking)
	c.indicator.SetSpeaking(c.cfg.UserID, speaking)
	_ = c.send(ctx, signaling.EventUserSpeakingStatus, signaling.SpeakingStatus{
		Speaking:  speaking,
		ChannelID: c.cfg.ChannelID,
	})
}

func (c *Client) remoteTrack(peerID string, track webrtc.RemoteTrack) {
	c.mu.Lock()
	r := c.renderer
	c.mu.Unlock()
	if r != nil {
		r.Attach(peerID, track)
	}
}

func (c *Client) peerClosed(peerID string) {
	c.mu.Lock()
	r := c.renderer
	c.mu.Unlock()
	if r != nil {
		r.Detach(peerID)
	}
}

// setMembersLocked moves the channel size gauge to n.
func (c *Client) setMembersLocked(ctx context.Context, n int64) {
	if d := n - c.members; d != 0 {
		c.metrics.ChannelMembers.Add(ctx, d)
	}
	c.members = n
}

func (c *Client) registerHandlers() {
	on := func(event string, fn func(ctx context.Context, data json.RawMessage)) {
		c.transport.On(event, func(ctx context.Context, data json.RawMessage) {
			if event != signaling.EventConnect {
				c.metrics.RecordSignal(ctx, false, event)
			}
			fn(ctx, data)
		})
	}
	on(signaling.EventConnect, c.onConnect)
	on(signaling.EventVoiceChannelUsers, c.onChannelUsers)
	on(signaling.EventUserJoinedVoice, c.onUserJoined)
	on(signaling.EventUserLeftVoice, c.onUserLeft)
	on(signaling.EventUserSpeaking, c.onUserSpeaking)
	on(signaling.EventUserMuteStatus, c.onUserMuteStatus)
	on(signaling.EventVoiceSignal, c.onVoiceSignal)
	on(signaling.EventError, c.onRelayError)
}

// onConnect re-announces the membership after the relay connection was
// (re)established.
func (c *Client) onConnect(ctx context.Context, _ json.RawMessage) {
	c.mu.Lock()
	reconnect := c.sawConnect
	c.sawConnect = true
	if !c.joined || (c.announced && !reconnect) {
		c.mu.Unlock()
		return
	}
	c.rosterSeen = false
	c.mu.Unlock()

	if reconnect {
		c.metrics.SignalingReconnects.Add(ctx, 1)
	}
	c.logger.Info("voice: relay connected, rejoining channel")
	if err := c.send(ctx, signaling.EventJoinVoiceChannel, signaling.JoinVoiceChannel{ChannelID: c.cfg.ChannelID}); err != nil || !c.transport.Ready() {
		return
	}
	c.mu.Lock()
	c.announced = true
	c.mu.Unlock()

	// Mute changes made while disconnected were dropped; restate the flag.
	if c.media.Stream() != nil {
		_ = c.send(ctx, signaling.EventUpdateMuteStatus, signaling.MuteStatus{IsMuted: c.media.Muted()})
	}
}

// onChannelUsers replaces the roster. The first roster after joining makes
// the client offer to every other member.
func (c *Client) onChannelUsers(ctx context.Context, data json.RawMessage) {
	p, err := signaling.Decode[signaling.VoiceChannelUsers](data)
	if err != nil {
		c.logger.Warn("voice: bad voice_channel_users", "err", err)
		return
	}
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	first := !c.rosterSeen
	c.rosterSeen = true
	members := make([]roster.Member, 0, len(p.Users))
	for _, u := range p.Users {
		members = append(members, roster.Member{ID: string(u.UserID), Username: u.Username})
	}
	c.roster.Replace(members)
	c.setMembersLocked(ctx, int64(c.roster.Len()))
	c.mu.Unlock()

	if !first {
		return
	}
	for _, id := range c.roster.Others() {
		if err := c.engine.Initiate(id); err != nil {
			c.logger.Error("voice: cannot connect to peer", "peer", id, "err", err)
			if errors.Is(err, peer.ErrUnsupportedEnvironment) {
				c.indicator.Alert("Peer connections are not supported here.")
				return
			}
		}
	}
}

// onUserJoined adds the member. Any close marker for the id is cleared so the
// newcomer's negotiation is accepted.
func (c *Client) onUserJoined(ctx context.Context, data json.RawMessage) {
	u, err := signaling.Decode[signaling.User](data)
	if err != nil {
		c.logger.Warn("voice: bad user_joined_voice", "err", err)
		return
	}
	id := string(u.UserID)
	if id == "" || id == c.cfg.UserID || !c.Joined() {
		return
	}
	c.registry.Forget(id)
	c.roster.Add(id, u.Username)
	c.mu.Lock()
	c.setMembersLocked(ctx, int64(c.roster.Len()))
	c.mu.Unlock()
}

func (c *Client) onUserLeft(ctx context.Context, data json.RawMessage) {
	u, err := signaling.Decode[signaling.UserLeftVoice](data)
	if err != nil {
		c.logger.Warn("voice: bad user_left_voice", "err", err)
		return
	}
	id := string(u.UserID)
	if id == "" || id == c.cfg.UserID {
		return
	}
	c.registry.Close(id)
	c.mu.Lock()
	if c.renderer != nil {
		c.renderer.Detach(id)
	}
	c.mu.Unlock()
	if c.roster.Remove(id) {
		c.indicator.Remove(id)
	}
	c.mu.Lock()
	c.setMembersLocked(ctx, int64(c.roster.Len()))
	c.mu.Unlock()
}

func (c *Client) onUserSpeaking(_ context.Context, data json.RawMessage) {
	p, err := signaling.Decode[signaling.UserSpeaking](data)
	if err != nil {
		c.logger.Warn("voice: bad user_speaking", "err", err)
		return
	}
	id := string(p.UserID)
	if id == c.cfg.UserID {
		return
	}
	if c.roster.SetSpeaking(id, p.Speaking) {
		c.indicator.SetSpeaking(id, p.Speaking)
	}
}

func (c *Client) onUserMuteStatus(_ context.Context, data json.RawMessage) {
	p, err := signaling.Decode[signaling.UserMuteStatus](data)
	if err != nil {
		c.logger.Warn("voice: bad user_mute_status", "err", err)
		return
	}
	id := string(p.UserID)
	if c.roster.SetMuted(id, p.IsMuted) {
		c.indicator.SetMuted(id, p.IsMuted)
	}
}

func (c *Client) onVoiceSignal(_ context.Context, data json.RawMessage) {
	v, err := signaling.Decode[signaling.VoiceSignal](data)
	if err == nil {
		err = v.Validate()
	}
	if err != nil {
		c.logger.Warn("voice: bad voice_signal", "err", err)
		return
	}
	if !c.Joined() {
		c.logger.Debug("voice: voice_signal while not joined dropped", "from", v.SenderID)
		return
	}
	c.engine.HandleSignal(fromVoiceSignal(c.cfg.UserID, v))
}

func (c *Client) onRelayError(_ context.Context, data json.RawMessage) {
	p, err := signaling.Decode[signaling.ErrorMessage](data)
	if err != nil || p.Message == "" {
		return
	}
	c.logger.Warn("voice: relay error", "message", p.Message)
	c.indicator.Alert(p.Message)
}
