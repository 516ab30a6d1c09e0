package handler

import (
	"context"
	"regexp"
	"testing"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry returned nil")
	}
	if len(r.CommandKeys()) != 0 || len(r.Mentions()) != 0 || len(r.Messages()) != 0 {
		t.Error("expected empty registry")
	}
}

func TestRegistry_CommandsAppendInOrder(t *testing.T) {
	r := NewRegistry()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		r.RegisterCommand("/echo", func(context.Context, *Request) (*Response, error) {
			order = append(order, i)
			return nil, nil
		})
	}

	fns := r.Commands("/echo")
	if len(fns) != 3 {
		t.Fatalf("expected 3 handlers, got %d", len(fns))
	}
	for _, fn := range fns {
		_, _ = fn(context.Background(), &Request{})
	}
	for i, v := range order {
		if v != i {
			t.Errorf("handler %d ran out of order (got %d)", i, v)
		}
	}
}

func TestRegistry_CommandsReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.RegisterCommand("/a", func(context.Context, *Request) (*Response, error) { return nil, nil })

	fns := r.Commands("/a")
	fns[0] = nil

	if r.Commands("/a")[0] == nil {
		t.Error("mutating the returned slice changed the registry")
	}
}

func TestRegistry_MentionLastWriteWins(t *testing.T) {
	r := NewRegistry()
	var called string
	r.Mention(`(?i)hello`, func(context.Context, *Request) error { called = "first"; return nil })
	r.Mention(`(?i)bye`, func(context.Context, *Request) error { return nil })
	r.Mention(`(?i)hello`, func(context.Context, *Request) error { called = "second"; return nil })

	routes := r.Mentions()
	if len(routes) != 2 {
		t.Fatalf("expected 2 mention routes, got %d", len(routes))
	}
	if routes[0].Pattern.String() != `(?i)hello` {
		t.Errorf("expected overwritten route to keep its position, got %q first", routes[0].Pattern)
	}
	_ = routes[0].Handle(context.Background(), &Request{})
	if called != "second" {
		t.Errorf("expected replacement handler, got %q", called)
	}
}

func TestRegistry_MessagesSeparateFromMentions(t *testing.T) {
	r := NewRegistry()
	r.RegisterMessage(regexp.MustCompile(`time`), func(context.Context, *Request) error { return nil })

	if len(r.Mentions()) != 0 {
		t.Error("message registration leaked into mentions")
	}
	if len(r.Messages()) != 1 {
		t.Errorf("expected 1 message route, got %d", len(r.Messages()))
	}
}

func TestRegistry_Use(t *testing.T) {
	greet := func(r *Registry) {
		r.Mention(`hello`, func(context.Context, *Request) error { return nil })
	}
	echo := func(r *Registry) {
		r.RegisterCommand("/echo", func(context.Context, *Request) (*Response, error) { return nil, nil })
	}

	r := NewRegistry().Use(greet, echo)

	if len(r.Mentions()) != 1 {
		t.Errorf("expected 1 mention, got %d", len(r.Mentions()))
	}
	keys := r.CommandKeys()
	if len(keys) != 1 || keys[0] != "/echo" {
		t.Errorf("unexpected command keys: %v", keys)
	}
}

func TestRegistry_CommandKeysSorted(t *testing.T) {
	r := NewRegistry()
	for _, k := range []string{"/zeta", "/alpha", "/mid"} {
		r.RegisterCommand(k, func(context.Context, *Request) (*Response, error) { return nil, nil })
	}
	keys := r.CommandKeys()
	expected := []string{"/alpha", "/mid", "/zeta"}
	for i, k := range expected {
		if keys[i] != k {
			t.Errorf("expected %s at index %d, got %s", k, i, keys[i])
		}
	}
}

func TestRegistry_InvalidPatternPanics(t *testing.T) {
	r := NewRegistry()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on invalid pattern")
		}
	}()
	r.Mention(`(unclosed`, func(context.Context, *Request) error { return nil })
}
