package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/socketbot/socketbot/internal/eventbus"
	"github.com/socketbot/socketbot/pkg/protocol"
)

var errSocketClosed = errors.New("socket closed")

// socket serializes every write to one connection.
type socket struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *socket) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) ping(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// close sends a close frame (best effort) and closes the connection. Later
// writes fail with errSocketClosed.
func (s *socket) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.conn.Close()
}

// acker sends the single acknowledgment owed for one envelope.
type acker struct {
	sock       *socket
	envelopeID string
	deferred   bool
	sent       atomic.Bool
	onSent     func()
	bus        *eventbus.Bus
	logger     *slog.Logger
}

func newAcker(sock *socket, env *protocol.Envelope, bus *eventbus.Bus, logger *slog.Logger, onSent func()) *acker {
	return &acker{
		sock:       sock,
		envelopeID: env.EnvelopeID,
		deferred:   env.AcceptsResponsePayload,
		onSent:     onSent,
		bus:        bus,
		logger:     logger,
	}
}

// send writes the ack with payload. It reports whether this call wrote it;
// envelopes without an id and repeated calls write nothing.
func (a *acker) send(payload any) bool {
	if a.envelopeID == "" {
		return false
	}
	if !a.sent.CompareAndSwap(false, true) {
		return false
	}
	if err := a.sock.writeJSON(protocol.Ack{EnvelopeID: a.envelopeID, Payload: payload}); err != nil {
		a.logger.Warn("write ack failed", "envelope_id", a.envelopeID, "error", err)
		return true
	}
	if a.onSent != nil {
		a.onSent()
	}
	a.bus.PublishType(eventbus.EnvelopeAcked, map[string]any{
		"envelope_id": a.envelopeID,
		"payload":     payload != nil,
	})
	return true
}
