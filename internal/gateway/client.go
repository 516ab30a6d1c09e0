// Package gateway manages the bot's socket-mode connection: session
// negotiation, the receive loop, acknowledgments and reconnects.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/socketbot/socketbot/internal/eventbus"
	"github.com/socketbot/socketbot/pkg/protocol"
)

// ErrNegotiation marks a failed session negotiation. It is fatal: Run does
// not retry it.
var ErrNegotiation = errors.New("negotiate session")

// Negotiator obtains a fresh socket endpoint URL.
type Negotiator interface {
	Negotiate(ctx context.Context) (string, error)
}

// EnvelopeHandler dispatches one envelope and returns the acknowledgment
// payload, or nil for none.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env *protocol.Envelope) any
}

// Deduper reports whether a delivery key was already dispatched.
type Deduper interface {
	IsDuplicate(key string) bool
}

// Config tunes the connection manager.
type Config struct {
	ReconnectOnError  bool
	ReconnectInterval time.Duration
	MaxReconnectDelay time.Duration
	HandlerTimeout    time.Duration
	QueueSize         int
	PingInterval      time.Duration
	HandshakeTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Stats is a point-in-time view of the connection manager.
type Stats struct {
	State              State     `json:"state"`
	SessionID          string    `json:"session_id,omitempty"`
	ConnectedAt        time.Time `json:"connected_at,omitempty"`
	Connections        int64     `json:"connections"`
	Received           int64     `json:"received"`
	Acked              int64     `json:"acked"`
	Duplicates         int64     `json:"duplicates"`
	Malformed          int64     `json:"malformed"`
	ReconnectRequested bool      `json:"reconnect_requested"`
}

// Client owns the socket connection. One connection is open at a time.
type Client struct {
	cfg        Config
	negotiator Negotiator
	handler    EnvelopeHandler
	dedup      Deduper
	bus        *eventbus.Bus
	logger     *slog.Logger
	dialer     *websocket.Dialer

	state              atomic.Int32
	reconnectRequested atomic.Bool

	connections atomic.Int64
	received    atomic.Int64
	acked       atomic.Int64
	duplicates  atomic.Int64
	malformed   atomic.Int64

	mu          sync.Mutex
	sessionID   string
	connectedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithDeduper suppresses re-dispatch of redelivered envelopes.
func WithDeduper(d Deduper) Option {
	return func(c *Client) { c.dedup = d }
}

// WithBus publishes state transitions and envelope events to bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(c *Client) { c.bus = bus }
}

// NewClient creates a connection manager.
func NewClient(cfg Config, negotiator Negotiator, handler EnvelopeHandler, logger *slog.Logger, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:        cfg,
		negotiator: negotiator,
		handler:    handler,
		logger:     logger.With("component", "gateway"),
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Stats returns a snapshot of counters and the current session.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	sid, at := c.sessionID, c.connectedAt
	c.mu.Unlock()
	return Stats{
		State:              c.State(),
		SessionID:          sid,
		ConnectedAt:        at,
		Connections:        c.connections.Load(),
		Received:           c.received.Load(),
		Acked:              c.acked.Load(),
		Duplicates:         c.duplicates.Load(),
		Malformed:          c.malformed.Load(),
		ReconnectRequested: c.reconnectRequested.Load(),
	}
}

func (c *Client) setState(s State, sessionID string) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Debug("state change", "from", prev, "to", s, "session", sessionID)
	c.bus.PublishType(eventbus.ConnectionState, StateChange{From: prev, To: s, SessionID: sessionID})
}

// sessionResult describes how a connection ended.
type sessionResult struct {
	err        error // socket or dial error; nil for a clean close
	disconnect bool  // a disconnect envelope arrived
	terminal   bool  // a disconnect with a reason other than refresh_requested
}

// Run negotiates, connects and serves until the connection ends for good.
// It returns nil after a terminal close, ctx.Err() on cancellation and an
// ErrNegotiation-wrapped error when negotiation fails.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateStopped, "")

	retry := newBackoff(c.cfg.ReconnectInterval, c.cfg.MaxReconnectDelay)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(StateNegotiating, "")
		endpoint, err := c.negotiator.Negotiate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrNegotiation, err)
		}

		res := c.serve(ctx, endpoint, retry)
		c.setState(StateIdle, "")

		if err := ctx.Err(); err != nil {
			return err
		}

		lost := res.err != nil && !res.disconnect
		if !c.reconnectRequested.Load() && !(lost && c.cfg.ReconnectOnError) {
			if lost {
				c.logger.Warn("connection lost", "error", res.err)
			}
			c.logger.Info("connection closed, not reconnecting", "terminal", res.terminal)
			return nil
		}

		if !lost {
			c.logger.Info("reconnecting with a fresh session")
			continue
		}
		delay := retry.next()
		c.logger.Warn("connection lost, reconnecting", "error", res.err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// serve runs one connection from dial to close.
func (c *Client) serve(ctx context.Context, endpoint string, retry *backoff) sessionResult {
	sessionID := uuid.NewString()
	logger := c.logger.With("session", sessionID)

	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return sessionResult{err: fmt.Errorf("dial gateway: %w", err)}
	}
	sock := &socket{conn: conn}
	retry.reset()

	c.mu.Lock()
	c.sessionID = sessionID
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.connections.Add(1)
	c.setState(StateOpen, sessionID)
	logger.Info("connected to gateway")

	stopPing := startKeepalive(sock, c.cfg.PingInterval)
	stopWatch := context.AfterFunc(ctx, func() {
		sock.close(websocket.CloseNormalClosure, "shutdown")
	})

	sessCtx, endSession := context.WithCancel(ctx)
	defer endSession()
	queue := make(chan job, c.cfg.QueueSize)
	workerDone := make(chan struct{})
	go c.work(sessCtx, queue, workerDone)

	res := c.receive(ctx, sock, queue, logger)

	c.setState(StateClosing, sessionID)
	close(queue)
	c.drain(workerDone, logger)
	// The next session may not start while this one still dispatches.
	endSession()
	<-workerDone

	stopWatch()
	stopPing()
	sock.close(websocket.CloseNormalClosure, "")

	c.mu.Lock()
	c.sessionID = ""
	c.connectedAt = time.Time{}
	c.mu.Unlock()
	return res
}

// drain waits for queued dispatches to finish, bounded by the handler
// timeout. Envelopes still queued after that are dropped unacked.
func (c *Client) drain(done <-chan struct{}, logger *slog.Logger) {
	limit := c.cfg.HandlerTimeout
	if limit <= 0 {
		limit = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(limit):
		logger.Warn("dispatch queue did not drain before close", "limit", limit)
	}
}

// receive reads frames in arrival order until the socket closes.
func (c *Client) receive(ctx context.Context, sock *socket, queue chan<- job, logger *slog.Logger) sessionResult {
	var res sessionResult
	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || res.terminal {
				return res
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && res.disconnect {
				return res
			}
			res.err = fmt.Errorf("read frame: %w", err)
			return res
		}
		extendDeadline(sock.conn, c.cfg.PingInterval)
		c.received.Add(1)

		env, err := protocol.Decode(data)
		if err != nil {
			c.malformed.Add(1)
			logger.Warn("dropping malformed frame", "error", err, "preview", preview(data))
			c.bus.PublishType(eventbus.EnvelopeMalformed, map[string]string{"preview": preview(data)})
			continue
		}
		c.bus.PublishType(eventbus.EnvelopeReceived, map[string]any{
			"type":        env.Type,
			"envelope_id": env.EnvelopeID,
		})

		if env.Type == protocol.TypeDisconnect {
			newAcker(sock, env, c.bus, logger, c.countAck).send(nil)
			res.disconnect = true
			if env.Reason == protocol.ReasonRefreshRequested {
				c.reconnectRequested.Store(true)
				logger.Info("gateway requested refresh")
				continue
			}
			res.terminal = true
			switch env.Reason {
			case protocol.ReasonLinkDisabled:
				logger.Warn("gateway disconnect: socket mode disabled for this app", "reason", env.Reason)
			case protocol.ReasonWarning:
				logger.Warn("gateway disconnect after warning", "reason", env.Reason)
			default:
				logger.Info("gateway disconnect", "reason", env.Reason)
			}
			sock.close(websocket.CloseNormalClosure, "disconnect")
			return res
		}

		if env.Type == protocol.TypeHello {
			logger.Debug("session ready", "num_connections", env.NumConnections)
		}
		c.accept(ctx, sock, env, queue, logger)
	}
}

// accept acknowledges env when its ack cannot carry a payload and hands it to
// the ordered worker.
func (c *Client) accept(ctx context.Context, sock *socket, env *protocol.Envelope, queue chan<- job, logger *slog.Logger) {
	ack := newAcker(sock, env, c.bus, logger, c.countAck)
	if !ack.deferred {
		ack.send(nil)
	}

	if c.dedup != nil {
		if key := env.DedupKey(); key != "" && c.dedup.IsDuplicate(key) {
			c.duplicates.Add(1)
			logger.Info("skipping redelivered envelope",
				"envelope_id", env.EnvelopeID, "key", key, "retry_attempt", env.RetryAttempt)
			c.bus.PublishType(eventbus.EnvelopeDuplicate, map[string]string{"envelope_id": env.EnvelopeID, "key": key})
			ack.send(nil)
			return
		}
	}

	select {
	case queue <- job{env: env, ack: ack}:
	case <-ctx.Done():
	}
}

func (c *Client) countAck() {
	c.acked.Add(1)
}

type job struct {
	env *protocol.Envelope
	ack *acker
}

// work dispatches queued envelopes one at a time, in order. Once ctx ends
// the rest of the queue is discarded.
func (c *Client) work(ctx context.Context, queue <-chan job, done chan<- struct{}) {
	defer close(done)
	for j := range queue {
		if ctx.Err() != nil {
			continue
		}
		payload := c.handler.HandleEnvelope(ctx, j.env)
		if j.ack.deferred {
			j.ack.send(payload)
		}
	}
}

func preview(data []byte) string {
	const max = 120
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
