// Package status serves the bot's health and live state over local HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/socketbot/socketbot/internal/eventbus"
)

// Result is returned by GET /status.
type Result struct {
	State              string    `json:"state"`
	Connected          bool      `json:"connected"`
	SessionID          string    `json:"session_id,omitempty"`
	ConnectedAt        time.Time `json:"connected_at,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	Uptime             string    `json:"uptime"`
	Connections        int64     `json:"connections"`
	Received           int64     `json:"received"`
	Acked              int64     `json:"acked"`
	Duplicates         int64     `json:"duplicates"`
	Malformed          int64     `json:"malformed"`
	ReconnectRequested bool      `json:"reconnect_requested"`
	Commands           []string  `json:"commands"`
	Mentions           int       `json:"mentions"`
	Messages           int       `json:"messages"`
	LastError          string    `json:"last_error,omitempty"`
	Version            string    `json:"version"`
}

// StateProvider is queried on every status request.
type StateProvider interface {
	Status() Result
}

// Server is the status HTTP server.
type Server struct {
	addr     string
	provider StateProvider
	bus      *eventbus.Bus
	logger   *slog.Logger
	mux      *chi.Mux
}

// NewServer creates a status server. bus may be nil, which disables /events.
func NewServer(addr string, provider StateProvider, bus *eventbus.Bus, logger *slog.Logger) *Server {
	s := &Server{
		addr:     addr,
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "status"),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/status", s.handleStatus)
	if bus != nil {
		mux.Get("/events", s.handleEvents)
	}
	s.mux = mux
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve status: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.provider.Status()
	if !st.Connected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": st.State})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Status())
}

// handleEvents streams bus events as server-sent events. An optional
// ?types=a,b query narrows the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	var types []string
	if q := r.URL.Query().Get("types"); q != "" {
		types = strings.Split(q, ",")
	}
	ch := s.bus.Subscribe(types...)
	defer s.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Fetch queries a running bot's /status endpoint.
func Fetch(ctx context.Context, addr string) (*Result, error) {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(url, "/")+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query status: unexpected status %s", resp.Status)
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &res, nil
}
