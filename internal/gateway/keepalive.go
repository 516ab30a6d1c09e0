package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

const pingWriteTimeout = 10 * time.Second

// startKeepalive arms a read deadline of twice the ping interval, extends it
// on every pong, and pings the peer on a ticker. A non-positive interval
// disables keepalive. The returned function stops the pinger.
func startKeepalive(sock *socket, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	pongWait := 2 * interval
	conn := sock.conn

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sock.ping(pingWriteTimeout); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

// extendDeadline pushes the read deadline out after any inbound frame, so a
// busy connection never depends on pong timing alone.
func extendDeadline(conn *websocket.Conn, interval time.Duration) {
	if interval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * interval))
	}
}
