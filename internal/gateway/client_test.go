package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/socketbot/socketbot/internal/dedup"
	"github.com/socketbot/socketbot/internal/eventbus"
	"github.com/socketbot/socketbot/pkg/protocol"
)

const waitTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGateway accepts socket connections and hands them to the test.
type fakeGateway struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- conn
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/link?ticket=abc&debug_reconnects=true"
}

func (g *fakeGateway) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-g.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

type wireAck struct {
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload"`
}

func readAck(t *testing.T, conn *websocket.Conn) wireAck {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var ack wireAck
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("ack is not JSON: %s", data)
	}
	return ack
}

// fakeNegotiator returns the gateway URL, or err when set.
type fakeNegotiator struct {
	url   string
	err   error
	calls atomic.Int32
}

func (n *fakeNegotiator) Negotiate(context.Context) (string, error) {
	n.calls.Add(1)
	if n.err != nil {
		return "", n.err
	}
	return n.url, nil
}

type handlerFunc func(ctx context.Context, env *protocol.Envelope) any

func (f handlerFunc) HandleEnvelope(ctx context.Context, env *protocol.Envelope) any {
	return f(ctx, env)
}

// recorder is a handler that remembers the envelope ids it saw.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) HandleEnvelope(_ context.Context, env *protocol.Envelope) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, env.Type+":"+env.EnvelopeID)
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func testConfig() Config {
	return Config{
		ReconnectOnError:  true,
		ReconnectInterval: 10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		HandlerTimeout:    time.Second,
		QueueSize:         8,
	}
}

// startClient runs c in the background and returns a channel with Run's result.
func startClient(t *testing.T, c *Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(waitTimeout):
		}
	})
	return cancel, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRun_NegotiationFailureIsFatal(t *testing.T) {
	neg := &fakeNegotiator{err: errors.New("invalid_auth")}
	c := NewClient(testConfig(), neg, &recorder{}, testLogger())

	err := c.Run(context.Background())
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("expected ErrNegotiation, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid_auth") {
		t.Errorf("expected platform error in message, got %q", err)
	}
	if neg.calls.Load() != 1 {
		t.Errorf("negotiation must not be retried, got %d calls", neg.calls.Load())
	}
	if c.State() != StateStopped {
		t.Errorf("expected stopped, got %s", c.State())
	}
}

func TestRun_ImmediateAckBeforeDispatch(t *testing.T) {
	g := newFakeGateway(t)
	release := make(chan struct{})
	var released sync.Once
	t.Cleanup(func() { released.Do(func() { close(release) }) })

	started := make(chan struct{}, 1)
	h := handlerFunc(func(context.Context, *protocol.Envelope) any {
		started <- struct{}{}
		<-release
		return map[string]string{"ignored": "yes"}
	})
	c := NewClient(testConfig(), &fakeNegotiator{url: g.url()}, h, testLogger())
	startClient(t, c)
	conn := g.accept(t)

	send(t, conn, `{"type":"events_api","envelope_id":"e1","accepts_response_payload":false,"payload":{"event":{"type":"message","text":"hi"}}}`)

	ack := readAck(t, conn)
	if ack.EnvelopeID != "e1" {
		t.Fatalf("expected ack for e1, got %q", ack.EnvelopeID)
	}
	if len(ack.Payload) != 0 {
		t.Errorf("immediate ack must not carry a payload, got %s", ack.Payload)
	}
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("handler never started")
	}
	released.Do(func() { close(release) })
}

func TestRun_DeferredAckCarriesPayload(t *testing.T) {
	g := newFakeGateway(t)
	h := handlerFunc(func(_ context.Context, env *protocol.Envelope) any {
		if env.EnvelopeID == "e2" {
			return nil
		}
		return map[string]string{"response_type": "ephemeral", "text": "hi"}
	})
	c := NewClient(testConfig(), &fakeNegotiator{url: g.url()}, h, testLogger())
	startClient(t, c)
	conn := g.accept(t)

	send(t, conn, `{"type":"slash_commands","envelope_id":"e1","accepts_response_payload":true,"payload":{"command":"/echo","text":"hi"}}`)
	ack := readAck(t, conn)
	if ack.EnvelopeID != "e1" {
		t.Fatalf("expected ack for e1, got %q", ack.EnvelopeID)
	}
	if string(ack.Payload) != `{"response_type":"ephemeral","text":"hi"}` {
		t.Errorf("unexpected payload: %s", ack.Payload)
	}

	send(t, conn, `{"type":"slash_commands","envelope_id":"e2","accepts_response_payload":true,"payload":{"command":"/none"}}`)
	ack = readAck(t, conn)
	if ack.EnvelopeID != "e2" || len(ack.Payload) != 0 {
		t.Errorf("expected bare ack for e2, got %+v", ack)
	}
}

func TestRun_OneAckPerEnvelopeInOrder(t *testing.T) {
	g := newFakeGateway(t)
	rec := &recorder{}
	c := NewClient(testConfig(), &fakeNegotiator{url: g.url()}, rec, testLogger())
	startClient(t, c)
	conn := g.accept(t)

	send(t, conn, `{"type":"hello","num_connections":1,"connection_info":{"app_id":"A1"}}`)
	send(t, conn, `not json at all`)
	send(t, conn, `{"type":"events_api","envelope_id":"e1","payload":{"event":{"type":"message"}}}`)
	send(t, conn, `{"type":"interactive","envelope_id":"e2","payload":{}}`)
	send(t, conn, `{"type":"events_api","envelope_id":"e3","payload":{"event":{"type":"message"}}}`)

	for _, want := range []string{"e1", "e2", "e3"} {
		if got := readAck(t, conn).EnvelopeID; got != want {
			t.Fatalf("expected ack %s, got %s", want, got)
		}
	}

	deadline := time.Now().Add(waitTimeout)
	for len(rec.seen()) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := []string{"hello:", "events_api:e1", "interactive:e2", "events_api:e3"}
	got := rec.seen()
	if len(got) != len(want) {
		t.Fatalf("expected dispatch %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	stats := c.Stats()
	if stats.Malformed != 1 {
		t.Errorf("expected 1 malformed frame, got %d", stats.Malformed)
	}
	if stats.Acked != 3 {
		t.Errorf("expected 3 acks, got %d", stats.Acked)
	}
	if stats.State != StateOpen {
		t.Errorf("expected open, got %s", stats.State)
	}
}

func TestRun_DuplicateAckedButNotDispatched(t *testing.T) {
	g := newFakeGateway(t)
	rec := &recorder{}
	c := NewClient(testConfig(), &fakeNegotiator{url: g.url()}, rec, testLogger(),
		WithDeduper(dedup.NewWindow(16, time.Minute)))
	startClient(t, c)
	conn := g.accept(t)

	frame := `{"type":"events_api","envelope_id":"e1","payload":{"event_id":"Ev1","event":{"type":"message"}}}`
	retry := `{"type":"events_api","envelope_id":"e1b","retry_attempt":1,"payload":{"event_id":"Ev1","event":{"type":"message"}}}`
	send(t, conn, frame)
	send(t, conn, retry)

	if got := readAck(t, conn).EnvelopeID; got != "e1" {
		t.Fatalf("expected ack e1, got %s", got)
	}
	if got := readAck(t, conn).EnvelopeID; got != "e1b" {
		t.Fatalf("redelivery must still be acked, got %s", got)
	}

	time.Sleep(50 * time.Millisecond)
	if seen := rec.seen(); len(seen) != 1 {
		t.Errorf("expected one dispatch, got %v", seen)
	}
	if c.Stats().Duplicates != 1 {
		t.Errorf("expected 1 duplicate, got %d", c.Stats().Duplicates)
	}
}

func TestRun_RefreshRequestedReconnects(t *testing.T) {
	g := newFakeGateway(t)
	neg := &fakeNegotiator{url: g.url()}
	bus := eventbus.New()
	states := bus.Subscribe(eventbus.ConnectionState)
	c := NewClient(testConfig(), neg, &recorder{}, testLogger(), WithBus(bus))
	cancel, errCh := startClient(t, c)

	first := g.accept(t)
	send(t, first, `{"type":"disconnect","reason":"refresh_requested","debug_info":{"host":"h1"}}`)
	_ = first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	first.Close()

	second := g.accept(t)
	if neg.calls.Load() != 2 {
		t.Errorf("expected a fresh negotiation, got %d calls", neg.calls.Load())
	}
	if !c.Stats().ReconnectRequested {
		t.Error("expected reconnect flag to stay set")
	}

	send(t, second, `{"type":"events_api","envelope_id":"after","payload":{"event":{"type":"message"}}}`)
	if got := readAck(t, second).EnvelopeID; got != "after" {
		t.Errorf("expected ack on new connection, got %s", got)
	}

	cancel()
	if err := waitRun(t, errCh); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("expected stopped, got %s", c.State())
	}

	var opens int
	for len(states) > 0 {
		var change struct {
			To string `json:"to"`
		}
		if err := (<-states).Decode(&change); err != nil {
			t.Fatalf("decode state event: %v", err)
		}
		if change.To == StateOpen.String() {
			opens++
		}
	}
	if opens != 2 {
		t.Errorf("expected 2 open transitions on the bus, got %d", opens)
	}
}

// overlapCounter tracks how many HandleEnvelope calls run at once.
type overlapCounter struct {
	delay    time.Duration
	inFlight atomic.Int32
	max      atomic.Int32
	calls    atomic.Int32
}

func (o *overlapCounter) HandleEnvelope(_ context.Context, _ *protocol.Envelope) any {
	n := o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	for {
		m := o.max.Load()
		if n <= m || o.max.CompareAndSwap(m, n) {
			break
		}
	}
	o.calls.Add(1)
	time.Sleep(o.delay)
	return nil
}

func TestRun_ReconnectWaitsForPreviousDispatch(t *testing.T) {
	g := newFakeGateway(t)
	neg := &fakeNegotiator{url: g.url()}
	h := &overlapCounter{delay: 150 * time.Millisecond}
	cfg := testConfig()
	cfg.HandlerTimeout = 100 * time.Millisecond
	c := NewClient(cfg, neg, h, testLogger())
	startClient(t, c)

	first := g.accept(t)
	for _, id := range []string{"q1", "q2", "q3", "q4"} {
		send(t, first, `{"type":"events_api","envelope_id":"`+id+`","payload":{"event":{"type":"message"}}}`)
		if got := readAck(t, first).EnvelopeID; got != id {
			t.Fatalf("expected ack %s, got %s", id, got)
		}
	}
	send(t, first, `{"type":"disconnect","reason":"refresh_requested"}`)
	_ = first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	first.Close()

	second := g.accept(t)
	send(t, second, `{"type":"events_api","envelope_id":"fresh","payload":{"event":{"type":"message"}}}`)
	if got := readAck(t, second).EnvelopeID; got != "fresh" {
		t.Fatalf("expected ack on new connection, got %s", got)
	}

	deadline := time.Now().Add(waitTimeout)
	for h.inFlight.Load() != 0 || h.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatch did not settle")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.max.Load(); got != 1 {
		t.Errorf("expected at most one dispatch in flight, got %d", got)
	}
	if got := h.calls.Load(); got >= 5 {
		t.Errorf("expected queued envelopes of the closed session to be dropped, got %d calls", got)
	}
}

func TestRun_OtherDisconnectStops(t *testing.T) {
	for _, reason := range []string{protocol.ReasonLinkDisabled, protocol.ReasonWarning, "socket_mode_off"} {
		t.Run(reason, func(t *testing.T) {
			g := newFakeGateway(t)
			neg := &fakeNegotiator{url: g.url()}
			c := NewClient(testConfig(), neg, &recorder{}, testLogger())
			_, errCh := startClient(t, c)

			conn := g.accept(t)
			send(t, conn, `{"type":"disconnect","reason":"`+reason+`"}`)

			if err := waitRun(t, errCh); err != nil {
				t.Fatalf("expected clean stop, got %v", err)
			}
			if neg.calls.Load() != 1 {
				t.Errorf("expected no renegotiation, got %d calls", neg.calls.Load())
			}
		})
	}
}

func TestRun_SocketErrorReconnects(t *testing.T) {
	g := newFakeGateway(t)
	neg := &fakeNegotiator{url: g.url()}
	c := NewClient(testConfig(), neg, &recorder{}, testLogger())
	startClient(t, c)

	first := g.accept(t)
	first.UnderlyingConn().Close()

	g.accept(t)
	if neg.calls.Load() < 2 {
		t.Errorf("expected renegotiation after socket error, got %d calls", neg.calls.Load())
	}
}

func TestRun_SocketErrorStopsWhenReconnectDisabled(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig()
	cfg.ReconnectOnError = false
	neg := &fakeNegotiator{url: g.url()}
	c := NewClient(cfg, neg, &recorder{}, testLogger())
	_, errCh := startClient(t, c)

	conn := g.accept(t)
	conn.UnderlyingConn().Close()

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("expected nil after unrecovered close, got %v", err)
	}
	if neg.calls.Load() != 1 {
		t.Errorf("expected one negotiation, got %d", neg.calls.Load())
	}
}

func TestRun_StickyRefreshFlag(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig()
	cfg.ReconnectOnError = false
	neg := &fakeNegotiator{url: g.url()}
	c := NewClient(cfg, neg, &recorder{}, testLogger())
	startClient(t, c)

	first := g.accept(t)
	send(t, first, `{"type":"disconnect","reason":"refresh_requested"}`)
	first.Close()

	second := g.accept(t)
	second.UnderlyingConn().Close()

	g.accept(t)
	if neg.calls.Load() != 3 {
		t.Errorf("expected third negotiation from sticky flag, got %d", neg.calls.Load())
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 35*time.Millisecond)
	want := []time.Duration{10, 20, 35, 35}
	for i, w := range want {
		if got := b.next(); got != w*time.Millisecond {
			t.Errorf("step %d: expected %v, got %v", i, w*time.Millisecond, got)
		}
	}
	b.reset()
	if got := b.next(); got != 10*time.Millisecond {
		t.Errorf("expected reset to initial, got %v", got)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:        "idle",
		StateNegotiating: "negotiating",
		StateOpen:        "open",
		StateClosing:     "closing",
		StateStopped:     "stopped",
		State(42):        "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
