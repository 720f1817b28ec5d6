// Package signaling carries named events between a voice client and the
// signaling relay.
//
// Every message is an [Envelope] holding an event name, a JSON payload and a
// unique id. The relay delivers at least once; receivers drop envelopes whose
// id they have already seen. [Client] talks to a relay over a websocket and
// [Hub] is an in-process relay used by tests and local demos.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrTransportUnavailable is returned by Emit while the transport is not
// connected. Nothing is sent.
var ErrTransportUnavailable = errors.New("signaling: transport unavailable")

// Envelope is the wire form of one event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
}

// NewEnvelope encodes payload under a fresh id. A nil payload encodes as an
// empty object.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("signaling: encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data, ID: uuid.NewString()}, nil
}

// Handler processes the payload of one inbound event. Handlers run on the
// transport's delivery goroutine and must not block for long.
type Handler func(ctx context.Context, data json.RawMessage)

// Transport is a bidirectional named-event channel to the relay.
type Transport interface {
	// Emit sends an event. It returns [ErrTransportUnavailable] when the
	// transport is not ready.
	Emit(ctx context.Context, event string, payload any) error

	// On registers h for event. Several handlers may be registered per
	// event; they run in registration order.
	On(event string, h Handler)

	// Ready reports whether Emit can currently deliver.
	Ready() bool
}

// Decode unmarshals data into a T, for use inside handlers.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("signaling: decode %T: %w", v, err)
	}
	return v, nil
}

// handlers is a concurrency-safe event name to handler list registry.
type handlers struct {
	mu sync.RWMutex
	m  map[string][]Handler
}

func (h *handlers) add(event string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string][]Handler)
	}
	h.m[event] = append(h.m[event], fn)
}

func (h *handlers) dispatch(ctx context.Context, event string, data json.RawMessage) bool {
	h.mu.RLock()
	list := h.m[event]
	h.mu.RUnlock()
	for _, fn := range list {
		fn(ctx, data)
	}
	return len(list) > 0
}

// dedupe remembers the most recent envelope ids in a fixed-size window.
type dedupe struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newDedupe(size int) *dedupe {
	return &dedupe{seen: make(map[string]struct{}, size), ring: make([]string, size)}
}

// firstSeen records id and reports whether it had not been seen within the
// window. Envelopes without an id are always delivered.
func (d *dedupe) firstSeen(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return true
}
