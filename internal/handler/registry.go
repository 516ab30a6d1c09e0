// Package handler holds the registry of bot handlers and the engine that
// dispatches inbound envelopes to them.
package handler

import (
	"context"
	"regexp"
	"sort"
	"sync"
)

// Kind identifies which registry table a handler lives in.
type Kind string

const (
	KindCommand Kind = "command"
	KindMention Kind = "mention"
	KindMessage Kind = "message"

	// kindInternal labels hooks and the mention fallback in logs.
	kindInternal Kind = "internal"
)

// CommandFunc handles a slash command. A nil or empty Response means "no
// result" and lets the next handler registered for the same command run.
type CommandFunc func(ctx context.Context, req *Request) (*Response, error)

// MatchFunc handles a mention or message whose text matched a pattern.
type MatchFunc func(ctx context.Context, req *Request) error

// Route is a pattern registration returned by the read accessors.
type Route struct {
	Pattern *regexp.Regexp
	Handle  MatchFunc
}

// Bundle groups related registrations. A bundle registers itself against the
// registry it is given.
type Bundle func(r *Registry)

// Registry maps commands and text patterns to handlers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string][]CommandFunc
	mentions routeTable
	messages routeTable
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string][]CommandFunc),
		mentions: newRouteTable(),
		messages: newRouteTable(),
	}
}

// Use applies bundles to the registry in order and returns it.
func (r *Registry) Use(bundles ...Bundle) *Registry {
	for _, b := range bundles {
		b(r)
	}
	return r
}

// RegisterCommand appends a handler for the exact command key (e.g. "/echo").
// Multiple handlers per key run in registration order.
func (r *Registry) RegisterCommand(key string, fn CommandFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = append(r.commands[key], fn)
}

// RegisterMention sets the handler for a mention pattern. Registering the same
// pattern again replaces the previous handler.
func (r *Registry) RegisterMention(pattern *regexp.Regexp, fn MatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mentions.set(pattern, fn)
}

// RegisterMessage sets the handler for a plain-message pattern. Registering the
// same pattern again replaces the previous handler.
func (r *Registry) RegisterMessage(pattern *regexp.Regexp, fn MatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages.set(pattern, fn)
}

// Mention compiles expr and registers it as a mention pattern. Panics on an
// invalid expression.
func (r *Registry) Mention(expr string, fn MatchFunc) {
	r.RegisterMention(regexp.MustCompile(expr), fn)
}

// Message compiles expr and registers it as a message pattern. Panics on an
// invalid expression.
func (r *Registry) Message(expr string, fn MatchFunc) {
	r.RegisterMessage(regexp.MustCompile(expr), fn)
}

// Commands returns the handlers registered for key in registration order.
func (r *Registry) Commands(key string) []CommandFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fns := r.commands[key]
	out := make([]CommandFunc, len(fns))
	copy(out, fns)
	return out
}

// CommandKeys returns all registered command keys, sorted.
func (r *Registry) CommandKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.commands))
	for k := range r.commands {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Mentions returns the mention routes in registration order.
func (r *Registry) Mentions() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mentions.list()
}

// Messages returns the message routes in registration order.
func (r *Registry) Messages() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.messages.list()
}

// routeTable keeps one route per pattern source, in first-registration order.
type routeTable struct {
	routes []Route
	index  map[string]int
}

func newRouteTable() routeTable {
	return routeTable{index: make(map[string]int)}
}

func (t *routeTable) set(pattern *regexp.Regexp, fn MatchFunc) {
	key := pattern.String()
	if i, ok := t.index[key]; ok {
		t.routes[i] = Route{Pattern: pattern, Handle: fn}
		return
	}
	t.index[key] = len(t.routes)
	t.routes = append(t.routes, Route{Pattern: pattern, Handle: fn})
}

func (t *routeTable) list() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
