// Package dedup remembers recently dispatched envelopes so that redeliveries
// are acknowledged without running handlers a second time.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultSize is the number of ids remembered when no size is configured.
	DefaultSize = 1000
	// DefaultTTL is how long an id is remembered when no TTL is configured.
	DefaultTTL = 5 * time.Minute
)

// Entry is one remembered id.
type Entry struct {
	ID   string
	Seen time.Time
}

// Persister stores entries across restarts.
type Persister interface {
	Load(ctx context.Context, since time.Time) ([]Entry, error)
	Record(ctx context.Context, e Entry) error
	Prune(ctx context.Context, before time.Time) error
}

// Window is a sliding-window deduplicator. It remembers up to size ids or
// ids seen within ttl, whichever limit is hit first.
type Window struct {
	size   int
	ttl    time.Duration
	store  Persister
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []Entry
	index   map[string]struct{}
}

// Option configures a Window.
type Option func(*Window)

// WithPersister writes every new id through to p and preloads the window from
// it on creation.
func WithPersister(p Persister) Option {
	return func(w *Window) { w.store = p }
}

// WithLogger sets the logger used for persister failures.
func WithLogger(l *slog.Logger) Option {
	return func(w *Window) { w.logger = l.With("component", "dedup") }
}

// NewWindow creates a dedup window. Non-positive size or ttl fall back to the
// defaults.
func NewWindow(size int, ttl time.Duration, opts ...Option) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	w := &Window{
		size:    size,
		ttl:     ttl,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make([]Entry, 0, size),
		index:   make(map[string]struct{}, size),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Preload fills the window from the persister. It is a no-op without one.
func (w *Window) Preload(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	cutoff := w.now().Add(-w.ttl)
	loaded, err := w.store.Load(ctx, cutoff)
	if err != nil {
		return err
	}
	if err := w.store.Prune(ctx, cutoff); err != nil {
		w.logger.Warn("prune dedup store", "error", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range loaded {
		w.add(e)
	}
	return nil
}

// IsDuplicate reports whether id has been seen within the window. An unseen
// id is recorded. Empty ids are never duplicates.
func (w *Window) IsDuplicate(id string) bool {
	if id == "" {
		return false
	}

	w.mu.Lock()
	now := w.now()
	w.evictExpired(now)
	if _, ok := w.index[id]; ok {
		w.mu.Unlock()
		return true
	}
	e := Entry{ID: id, Seen: now}
	w.add(e)
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.Record(context.Background(), e); err != nil {
			w.logger.Warn("record dedup entry", "id", id, "error", err)
		}
	}
	return false
}

// Len returns the number of tracked ids.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// add appends e, evicting the oldest entry at capacity. Caller holds mu.
func (w *Window) add(e Entry) {
	if _, ok := w.index[e.ID]; ok {
		return
	}
	if len(w.entries) >= w.size {
		delete(w.index, w.entries[0].ID)
		w.entries = w.entries[1:]
	}
	w.entries = append(w.entries, e)
	w.index[e.ID] = struct{}{}
}

func (w *Window) evictExpired(now time.Time) {
	cutoff := now.Add(-w.ttl)
	start := 0
	for start < len(w.entries) && w.entries[start].Seen.Before(cutoff) {
		delete(w.index, w.entries[start].ID)
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
}
