package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second

	sendBuffer   = 64
	flushTimeout = time.Second
	dedupeWindow = 1024
)

// ClientConfig configures a [Client].
type ClientConfig struct {
	// URL is the relay websocket endpoint (ws:// or wss://).
	URL string

	// Header is sent with every dial, e.g. for session cookies.
	Header http.Header

	// MaxRetries is the number of consecutive failed dials before Run gives
	// up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial delay between dials. Doubles each attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	Logger *slog.Logger
}

// Client is a websocket [Transport] that reconnects with exponential backoff.
// Call [Client.Run] to drive it. All methods are safe for concurrent use.
type Client struct {
	url        string
	header     http.Header
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger

	handlers handlers
	seen     *dedupe

	mu    sync.Mutex
	link  *link // nil while disconnected
	ready atomic.Bool
}

// link is the send side of one connection. done is closed when the
// connection is torn down.
type link struct {
	send chan []byte
	done chan struct{}
}

// NewClient returns a client for cfg. It does not dial until Run is called.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		url:        cfg.URL,
		header:     cfg.Header,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     cfg.Logger,
		seen:       newDedupe(dedupeWindow),
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// On implements [Transport].
func (c *Client) On(event string, h Handler) { c.handlers.add(event, h) }

// Ready implements [Transport].
func (c *Client) Ready() bool { return c.ready.Load() }

// Emit implements [Transport]. The envelope is queued for the writer; Emit
// blocks only while the send queue is full, and returns
// [ErrTransportUnavailable] if the connection drops meanwhile.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling: encode envelope: %w", err)
	}

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrTransportUnavailable
	}
	select {
	case <-l.done:
		return ErrTransportUnavailable
	default:
	}
	select {
	case l.send <- b:
		return nil
	case <-l.done:
		return ErrTransportUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dials the relay and keeps the connection alive until ctx is cancelled,
// reconnecting after drops. It returns nil on cancellation and an error once
// MaxRetries consecutive dials have failed.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	delay := c.backoff
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Connected, then dropped: start a fresh retry cycle.
			failures = 0
			delay = c.backoff
			c.logger.Warn("signaling: connection lost, reconnecting")
			continue
		}

		failures++
		if failures >= c.maxRetries {
			return fmt.Errorf("signaling: giving up after %d attempts: %w", failures, err)
		}
		c.logger.Warn("signaling: dial failed",
			"attempt", failures,
			"max_retries", c.maxRetries,
			"backoff", delay,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

// serve runs one connection. It returns a non-nil error only when the dial
// itself failed.
func (c *Client) serve(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := &link{send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	c.ready.Store(true)
	c.logger.Info("signaling: connected", "url", c.url)

	defer func() {
		c.ready.Store(false)
		c.mu.Lock()
		c.link = nil
		c.mu.Unlock()
		close(l.done)
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(connCtx, conn, l.send)
	}()

	c.handlers.dispatch(connCtx, EventConnect, nil)
	c.readLoop(connCtx, conn)
	cancel()
	wg.Wait()
	return nil
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			c.flush(conn, send)
			return
		case b := <-send:
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("signaling: write failed", "err", err)
				}
				if n := drain(send); n > 0 {
					c.logger.Warn("signaling: dropped queued envelopes", "count", n)
				}
				return
			}
		}
	}
}

// flush writes envelopes still queued when the connection is shut down, so a
// final leave announcement reaches the relay.
func (c *Client) flush(conn *websocket.Conn, send <-chan []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case b := <-send:
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		default:
			return
		}
	}
}

// drain discards whatever is queued and reports how much.
func drain(send <-chan []byte) int {
	n := 0
	for {
		select {
		case <-send:
			n++
		default:
			return n
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.logger.Warn("signaling: read failed", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.deliver(ctx, msg)
	}
}

func (c *Client) deliver(ctx context.Context, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		c.logger.Warn("signaling: dropping malformed envelope", "err", err)
		return
	}
	if env.Event == "" || env.Event == EventConnect {
		c.logger.Warn("signaling: dropping envelope with invalid event name", "event", env.Event)
		return
	}
	if !c.seen.firstSeen(env.ID) {
		c.logger.Debug("signaling: dropping duplicate envelope", "event", env.Event, "id", env.ID)
		return
	}
	if !c.handlers.dispatch(ctx, env.Event, env.Data) {
		c.logger.Debug("signaling: no handler for event", "event", env.Event)
	}
}

var _ Transport = (*Client)(nil)
