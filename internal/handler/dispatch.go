package handler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/socketbot/socketbot/pkg/protocol"
)

// DefaultFallbackText is posted when a mention matches no registered pattern.
const DefaultFallbackText = "Sorry, I don't know that command."

// leadingMention matches a user-mention token at the start of a message.
var leadingMention = regexp.MustCompile(`^<@[^>]+>\s*`)

// Hooks are optional extension points. Nil hooks are no-ops.
type Hooks struct {
	// OnHello runs on every hello envelope, i.e. on each (re)connection.
	OnHello func(ctx context.Context, info protocol.ConnectionInfo)
	// OnInteractive receives interactive envelopes (buttons, modals, shortcuts).
	OnInteractive func(ctx context.Context, env *protocol.Envelope)
	// OnUnrecognizedEnvelope receives envelopes of a type the dispatcher does not route.
	OnUnrecognizedEnvelope func(ctx context.Context, env *protocol.Envelope)
	// OnUnrecognizedEvent receives events_api events other than message and app_mention.
	OnUnrecognizedEvent func(ctx context.Context, ev *protocol.Event)
}

// Options tunes dispatch behavior.
type Options struct {
	AllowBotEvents bool
	FallbackText   string
	HandlerTimeout time.Duration
	Hooks          Hooks
}

// Dispatcher routes envelopes to the handlers in a Registry.
type Dispatcher struct {
	registry *Registry
	client   Poster
	opts     Options
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. client is used for the mention fallback
// and is handed to every handler through its Request.
func NewDispatcher(registry *Registry, client Poster, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.FallbackText == "" {
		opts.FallbackText = DefaultFallbackText
	}
	return &Dispatcher{
		registry: registry,
		client:   client,
		opts:     opts,
		logger:   logger.With("component", "dispatch"),
	}
}

// HandleEnvelope dispatches env and returns the acknowledgment payload, or
// nil when there is none.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, env *protocol.Envelope) any {
	resp := d.Dispatch(ctx, env)
	if resp == nil {
		return nil
	}
	return resp
}

// Dispatch routes env by type. Handler failures never escape: they are logged
// and treated as "no response".
func (d *Dispatcher) Dispatch(ctx context.Context, env *protocol.Envelope) *Response {
	switch env.Type {
	case protocol.TypeHello:
		d.hello(ctx, env)
		return nil
	case protocol.TypeSlashCommands:
		cmd, err := env.DecodeSlashCommand()
		if err != nil {
			d.logger.Warn("invalid slash command payload", "envelope_id", env.EnvelopeID, "error", err)
			return nil
		}
		return d.DispatchCommand(ctx, cmd)
	case protocol.TypeEventsAPI, protocol.TypeAppMention:
		ev, err := env.DecodeEvent()
		if err != nil {
			d.logger.Warn("invalid event payload", "envelope_id", env.EnvelopeID, "error", err)
			return nil
		}
		d.DispatchEvent(ctx, ev)
		return nil
	case protocol.TypeInteractive:
		if h := d.opts.Hooks.OnInteractive; h != nil {
			d.bounded(ctx, "interactive", func(ctx context.Context) error {
				h(ctx, env)
				return nil
			})
		}
		return nil
	default:
		d.logger.Debug("unrecognized envelope", "type", env.Type, "envelope_id", env.EnvelopeID)
		if h := d.opts.Hooks.OnUnrecognizedEnvelope; h != nil {
			d.bounded(ctx, "unrecognized_envelope", func(ctx context.Context) error {
				h(ctx, env)
				return nil
			})
		}
		return nil
	}
}

func (d *Dispatcher) hello(ctx context.Context, env *protocol.Envelope) {
	h := d.opts.Hooks.OnHello
	if h == nil {
		return
	}
	info, err := env.DecodeConnectionInfo()
	if err != nil {
		d.logger.Warn("invalid connection info", "error", err)
	}
	d.bounded(ctx, "hello", func(ctx context.Context) error {
		h(ctx, info)
		return nil
	})
}

// DispatchCommand runs the handlers for cmd.Command in registration order and
// returns the first non-empty response.
func (d *Dispatcher) DispatchCommand(ctx context.Context, cmd *protocol.SlashCommand) *Response {
	fns := d.registry.Commands(cmd.Command)
	if len(fns) == 0 {
		d.logger.Debug("no handler for command", "command", cmd.Command)
		return nil
	}

	for i, fn := range fns {
		req := &Request{
			Kind:    KindCommand,
			Key:     cmd.Command,
			RawText: cmd.Text,
			Text:    cmd.Text,
			Channel: cmd.ChannelID,
			User:    cmd.UserID,
			Command: cmd,
			Client:  d.client,
			Logger:  d.logger.With("command", cmd.Command, "handler", i),
		}
		resp := d.call(ctx, req, fn)
		if !resp.Empty() {
			return resp
		}
	}
	return nil
}

// DispatchEvent applies the bot-echo filter and routes ev to mention or
// message handlers.
func (d *Dispatcher) DispatchEvent(ctx context.Context, ev *protocol.Event) {
	if ev.FromBot() && !d.opts.AllowBotEvents {
		d.logger.Debug("dropping bot event", "bot_id", ev.BotID, "channel", ev.Channel)
		return
	}

	switch ev.Type {
	case protocol.EventAppMention:
		d.DispatchMention(ctx, ev)
	case protocol.EventMessage:
		d.DispatchMessage(ctx, ev)
	default:
		d.logger.Debug("unrecognized event", "type", ev.Type)
		if h := d.opts.Hooks.OnUnrecognizedEvent; h != nil {
			d.bounded(ctx, "unrecognized_event", func(ctx context.Context) error {
				h(ctx, ev)
				return nil
			})
		}
	}
}

// DispatchMention strips the leading mention token and invokes every mention
// route whose pattern matches. When nothing matches, the fallback text is
// posted to the event's channel. It reports whether any route matched.
func (d *Dispatcher) DispatchMention(ctx context.Context, ev *protocol.Event) bool {
	text := leadingMention.ReplaceAllString(ev.Text, "")

	handled := false
	for _, route := range d.registry.Mentions() {
		m := route.Pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		handled = true
		d.callMatch(ctx, d.matchRequest(KindMention, route, ev, text, m), route.Handle)
	}

	if !handled {
		if d.client == nil {
			d.logger.Warn("no outbound client for mention fallback", "channel", ev.Channel)
			return false
		}
		d.bounded(ctx, "fallback", func(ctx context.Context) error {
			if err := d.client.PostMessage(ctx, ev.Channel, d.opts.FallbackText); err != nil {
				return fmt.Errorf("post fallback message to %s: %w", ev.Channel, err)
			}
			return nil
		})
	}
	return handled
}

// DispatchMessage invokes every message route whose pattern matches the raw
// text. Unmatched messages are ignored. It returns the number of matches.
func (d *Dispatcher) DispatchMessage(ctx context.Context, ev *protocol.Event) int {
	matched := 0
	for _, route := range d.registry.Messages() {
		m := route.Pattern.FindStringSubmatch(ev.Text)
		if m == nil {
			continue
		}
		matched++
		d.callMatch(ctx, d.matchRequest(KindMessage, route, ev, ev.Text, m), route.Handle)
	}
	return matched
}

func (d *Dispatcher) matchRequest(kind Kind, route Route, ev *protocol.Event, text string, m []string) *Request {
	return &Request{
		Kind:    kind,
		Key:     route.Pattern.String(),
		RawText: ev.Text,
		Text:    text,
		Matches: m,
		Channel: ev.Channel,
		User:    ev.User,
		Event:   ev,
		Client:  d.client,
		Logger:  d.logger.With(string(kind), route.Pattern.String()),
	}
}

func (d *Dispatcher) callMatch(ctx context.Context, req *Request, fn MatchFunc) {
	d.call(ctx, req, func(ctx context.Context, req *Request) (*Response, error) {
		return nil, fn(ctx, req)
	})
}

// bounded runs a hook or the mention fallback under the same panic and
// timeout guard as handlers.
func (d *Dispatcher) bounded(ctx context.Context, name string, fn func(context.Context) error) {
	req := &Request{Kind: kindInternal, Key: name, Client: d.client, Logger: d.logger}
	d.call(ctx, req, func(ctx context.Context, _ *Request) (*Response, error) {
		return nil, fn(ctx)
	})
}

type callResult struct {
	resp *Response
	err  error
}

// call runs fn with panic recovery and the configured timeout. A handler that
// outlives its timeout keeps running but its result is discarded.
func (d *Dispatcher) call(ctx context.Context, req *Request, fn CommandFunc) *Response {
	if d.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.HandlerTimeout)
		defer cancel()
	}

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- callResult{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		resp, err := fn(ctx, req)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			d.logger.Warn("handler error", "kind", req.Kind, "key", req.Key, "error", r.err)
			return nil
		}
		return r.resp
	case <-ctx.Done():
		d.logger.Warn("handler did not finish", "kind", req.Kind, "key", req.Key, "error", ctx.Err())
		return nil
	}
}
