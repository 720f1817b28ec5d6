package signaling

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Hub is an in-process relay. It implements the channel semantics of the
// production relay: channel membership, roster broadcast on join, speaking
// and mute fan-out to the other members, and voice_signal delivery to a
// single recipient stamped with the sender's id and name.
type Hub struct {
	logger    *slog.Logger
	redeliver bool

	mu        sync.Mutex
	endpoints map[ParticipantID]*Endpoint
	channels  map[string][]ParticipantID
	memberOf  map[ParticipantID]string
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithRedelivery makes the hub deliver every envelope twice with the same
// id, exercising receiver-side deduplication.
func WithRedelivery() HubOption {
	return func(h *Hub) { h.redeliver = true }
}

// NewHub returns an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:    slog.Default(),
		endpoints: make(map[ParticipantID]*Endpoint),
		channels:  make(map[string][]ParticipantID),
		memberOf:  make(map[ParticipantID]string),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Connect registers a participant and returns its online endpoint. A
// previous endpoint with the same id is closed first.
func (h *Hub) Connect(id ParticipantID, username string) *Endpoint {
	e := &Endpoint{
		hub:      h,
		id:       id,
		username: username,
		seen:     newDedupe(dedupeWindow),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	e.online = true

	h.mu.Lock()
	old := h.endpoints[id]
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}

	h.mu.Lock()
	h.endpoints[id] = e
	h.mu.Unlock()

	go e.run()
	e.enqueue(Envelope{Event: EventConnect})
	return e
}

// Members returns the members of channelID in join order.
func (h *Hub) Members(channelID string) []ParticipantID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.channels[channelID])
}

func (h *Hub) route(from *Endpoint, env Envelope) {
	switch env.Event {
	case EventJoinVoiceChannel:
		p, err := Decode[JoinVoiceChannel](env.Data)
		if err != nil || p.ChannelID == "" {
			h.sendTo(from.id, EventError, ErrorMessage{Message: "invalid join request"})
			return
		}
		h.join(from, p.ChannelID)
	case EventLeaveVoiceChannel:
		h.leave(from.id)
	case EventUserSpeakingStatus:
		p, err := Decode[SpeakingStatus](env.Data)
		if err != nil {
			return
		}
		h.broadcast(p.ChannelID, from.id, EventUserSpeaking, UserSpeaking{UserID: from.id, Speaking: p.Speaking})
	case EventUpdateMuteStatus:
		p, err := Decode[MuteStatus](env.Data)
		if err != nil {
			return
		}
		h.mu.Lock()
		ch := h.memberOf[from.id]
		h.mu.Unlock()
		h.broadcast(ch, from.id, EventUserMuteStatus, UserMuteStatus{UserID: from.id, IsMuted: p.IsMuted})
	case EventVoiceSignal:
		p, err := Decode[VoiceSignal](env.Data)
		if err != nil {
			h.logger.Warn("hub: dropping malformed voice_signal", "from", from.id, "err", err)
			return
		}
		h.mu.Lock()
		_, online := h.memberOf[p.RecipientID]
		h.mu.Unlock()
		if !online {
			h.logger.Debug("hub: voice_signal recipient not in a voice channel", "to", p.RecipientID)
			return
		}
		p.SenderID = from.id
		p.SenderName = from.username
		h.sendTo(p.RecipientID, EventVoiceSignal, p)
	default:
		h.logger.Debug("hub: ignoring unknown event", "event", env.Event, "from", from.id)
	}
}

func (h *Hub) join(e *Endpoint, channelID string) {
	h.mu.Lock()
	prev, had := h.memberOf[e.id]
	h.mu.Unlock()
	if had && prev != channelID {
		h.leave(e.id)
	}

	h.mu.Lock()
	if !slices.Contains(h.channels[channelID], e.id) {
		h.channels[channelID] = append(h.channels[channelID], e.id)
	}
	h.memberOf[e.id] = channelID
	var roster VoiceChannelUsers
	for _, id := range h.channels[channelID] {
		name := ""
		if ep := h.endpoints[id]; ep != nil {
			name = ep.username
		}
		roster.Users = append(roster.Users, User{UserID: id, Username: name})
	}
	h.mu.Unlock()

	h.broadcast(channelID, "", EventVoiceChannelUsers, roster)
	h.broadcast(channelID, "", EventUserJoinedVoice, User{UserID: e.id, Username: e.username})
}

func (h *Hub) leave(id ParticipantID) {
	h.mu.Lock()
	channelID, ok := h.memberOf[id]
	if ok {
		delete(h.memberOf, id)
		h.channels[channelID] = slices.DeleteFunc(h.channels[channelID], func(m ParticipantID) bool { return m == id })
		if len(h.channels[channelID]) == 0 {
			delete(h.channels, channelID)
		}
	}
	h.mu.Unlock()
	if ok {
		h.broadcast(channelID, id, EventUserLeftVoice, UserLeftVoice{UserID: id})
	}
}

// broadcast sends to every member of channelID except skip.
func (h *Hub) broadcast(channelID string, skip ParticipantID, event string, payload any) {
	if channelID == "" {
		return
	}
	for _, id := range h.Members(channelID) {
		if id != skip {
			h.sendTo(id, event, payload)
		}
	}
}

func (h *Hub) sendTo(id ParticipantID, event string, payload any) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("hub: encode failed", "event", event, "err", err)
		return
	}
	h.mu.Lock()
	e := h.endpoints[id]
	h.mu.Unlock()
	if e == nil {
		return
	}
	e.enqueue(env)
	if h.redeliver {
		e.enqueue(env)
	}
}

func (h *Hub) disconnect(e *Endpoint) {
	h.leave(e.id)
	h.mu.Lock()
	if h.endpoints[e.id] == e {
		delete(h.endpoints, e.id)
	}
	h.mu.Unlock()
}

// Endpoint is one participant's [Transport] on a [Hub]. Inbound events are
// dispatched in order on a dedicated goroutine.
type Endpoint struct {
	hub      *Hub
	id       ParticipantID
	username string
	handlers handlers
	seen     *dedupe

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Envelope
	busy    bool
	online  bool
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// ID returns the participant id of the endpoint.
func (e *Endpoint) ID() ParticipantID { return e.id }

// On implements [Transport].
func (e *Endpoint) On(event string, h Handler) { e.handlers.add(event, h) }

// Ready implements [Transport].
func (e *Endpoint) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online && !e.closed
}

// Emit implements [Transport]. Routing happens synchronously on the
// caller's goroutine; delivery to recipients is asynchronous.
func (e *Endpoint) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.Ready() {
		return ErrTransportUnavailable
	}
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	e.hub.route(e, env)
	return nil
}

// SetOnline simulates losing and regaining the relay connection. While
// offline, Emit fails with [ErrTransportUnavailable]; going back online
// dispatches [EventConnect].
func (e *Endpoint) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()
	if online && !was {
		e.enqueue(Envelope{Event: EventConnect})
	}
}

// Close leaves any channel and stops delivery. It is safe to call more than once.
func (e *Endpoint) Close() {
	e.stopped.Do(func() {
		e.hub.disconnect(e)
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		e.cond.Broadcast()
		e.mu.Unlock()
		close(e.done)
	})
}

// Wait blocks until every envelope queued so far has been dispatched.
func (e *Endpoint) Wait() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.closed && (len(e.queue) > 0 || e.busy) {
		e.cond.Wait()
	}
}

func (e *Endpoint) enqueue(env Envelope) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, env)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Endpoint) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case <-e.done:
			return
		case <-e.notify:
		}
		for {
			e.mu.Lock()
			if e.closed || len(e.queue) == 0 {
				e.busy = false
				e.cond.Broadcast()
				e.mu.Unlock()
				break
			}
			env := e.queue[0]
			e.queue = e.queue[1:]
			e.busy = true
			e.mu.Unlock()

			if env.Event == EventConnect || e.seen.firstSeen(env.ID) {
				e.handlers.dispatch(ctx, env.Event, env.Data)
			}
		}
	}
}

var _ Transport = (*Endpoint)(nil)
