// Package bot is the orchestrator that ties together the gateway connection,
// the handler registry and the outbound client.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/socketbot/socketbot/internal/bundles"
	"github.com/socketbot/socketbot/internal/config"
	"github.com/socketbot/socketbot/internal/dedup"
	"github.com/socketbot/socketbot/internal/eventbus"
	"github.com/socketbot/socketbot/internal/gateway"
	"github.com/socketbot/socketbot/internal/handler"
	"github.com/socketbot/socketbot/internal/negotiate"
	"github.com/socketbot/socketbot/internal/outbound"
	"github.com/socketbot/socketbot/internal/status"
	"github.com/socketbot/socketbot/pkg/protocol"
)

// Bot is the main bot process.
type Bot struct {
	cfg        *config.Config
	registry   *handler.Registry
	dispatcher *handler.Dispatcher
	gateway    *gateway.Client
	window     *dedup.Window
	store      *dedup.SQLiteStore
	bus        *eventbus.Bus
	logger     *slog.Logger
	version    string
	startedAt  time.Time

	mu        sync.Mutex
	lastError string
}

type options struct {
	bundles    []handler.Bundle
	hooks      handler.Hooks
	negotiator gateway.Negotiator
	poster     handler.Poster
	version    string
}

// Option customizes a Bot.
type Option func(*options)

// WithBundles replaces the default handler bundles.
func WithBundles(b ...handler.Bundle) Option {
	return func(o *options) { o.bundles = b }
}

// WithHooks sets dispatch extension points.
func WithHooks(h handler.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithNegotiator replaces the platform negotiator.
func WithNegotiator(n gateway.Negotiator) Option {
	return func(o *options) { o.negotiator = n }
}

// WithPoster replaces the outbound client.
func WithPoster(p handler.Poster) Option {
	return func(o *options) { o.poster = p }
}

// WithVersion sets the version reported by Status.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New creates a bot from configuration. If bus is nil, a private bus is used.
func New(cfg *config.Config, logger *slog.Logger, bus *eventbus.Bus, opts ...Option) (*Bot, error) {
	o := options{bundles: bundles.Default(), version: "dev"}
	for _, fn := range opts {
		fn(&o)
	}
	if bus == nil {
		bus = eventbus.New()
	}

	b := &Bot{
		cfg:       cfg,
		registry:  handler.NewRegistry().Use(o.bundles...),
		bus:       bus,
		logger:    logger.With("component", "bot"),
		version:   o.version,
		startedAt: time.Now(),
	}

	if o.poster == nil {
		o.poster = outbound.New(outbound.Config{
			BotToken: cfg.Slack.BotToken,
			APIURL:   cfg.Slack.APIURL,
		}, logger)
	}
	if o.negotiator == nil {
		o.negotiator = negotiate.New(negotiate.Config{
			AppToken:        cfg.Slack.AppToken,
			APIURL:          cfg.Slack.APIURL,
			DebugReconnects: cfg.Gateway.DebugReconnects == nil || *cfg.Gateway.DebugReconnects,
		}, logger)
	}
	if o.hooks.OnHello == nil {
		o.hooks.OnHello = func(_ context.Context, info protocol.ConnectionInfo) {
			b.logger.Info("gateway hello", "app_id", info.AppID)
		}
	}

	b.dispatcher = handler.NewDispatcher(b.registry, o.poster, handler.Options{
		AllowBotEvents: cfg.Bot.AllowBotEvents,
		FallbackText:   cfg.Bot.FallbackText,
		HandlerTimeout: cfg.Gateway.HandlerTimeout.Duration,
		Hooks:          o.hooks,
	}, logger)

	windowOpts := []dedup.Option{dedup.WithLogger(logger)}
	if cfg.Dedup.Path != "" {
		store, err := dedup.OpenSQLite(cfg.Dedup.Path)
		if err != nil {
			return nil, fmt.Errorf("open dedup store: %w", err)
		}
		b.store = store
		windowOpts = append(windowOpts, dedup.WithPersister(store))
	}
	b.window = dedup.NewWindow(cfg.Dedup.Window, cfg.Dedup.TTL.Duration, windowOpts...)

	reconnectOnError := cfg.Gateway.ReconnectOnError == nil || *cfg.Gateway.ReconnectOnError
	b.gateway = gateway.NewClient(gateway.Config{
		ReconnectOnError:  reconnectOnError,
		ReconnectInterval: cfg.Gateway.ReconnectInterval.Duration,
		MaxReconnectDelay: cfg.Gateway.MaxReconnectDelay.Duration,
		HandlerTimeout:    cfg.Gateway.HandlerTimeout.Duration,
		QueueSize:         cfg.Gateway.QueueSize,
		PingInterval:      cfg.Gateway.PingInterval.Duration,
	}, o.negotiator, b.dispatcher, logger,
		gateway.WithDeduper(b.window),
		gateway.WithBus(bus),
	)

	return b, nil
}

// Registry returns the handler registry so callers can add handlers before Run.
func (b *Bot) Registry() *handler.Registry {
	return b.registry
}

// Bus returns the bot's event bus.
func (b *Bot) Bus() *eventbus.Bus {
	return b.bus
}

// Run connects and serves until the gateway stops or ctx is canceled. A
// canceled context is not an error.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("starting bot",
		"commands", b.registry.CommandKeys(),
		"mentions", len(b.registry.Mentions()),
		"messages", len(b.registry.Messages()),
	)
	defer b.close()

	if err := b.window.Preload(ctx); err != nil {
		b.logger.Warn("preload dedup window", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logs := b.bus.Subscribe(eventbus.LogEntry)
	go b.trackErrors(logs)
	defer b.bus.Unsubscribe(logs)

	if b.cfg.Status.Addr != "" {
		srv := status.NewServer(b.cfg.Status.Addr, b, b.bus, b.logger)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				b.logger.Error("status server", "error", err)
			}
		}()
	}

	err := b.gateway.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bot) close() {
	b.logger.Info("shutting down bot")
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.logger.Warn("close dedup store", "error", err)
		}
	}
}

func (b *Bot) trackErrors(ch chan eventbus.Event) {
	for e := range ch {
		var rec eventbus.LogRecord
		if err := e.Decode(&rec); err != nil {
			continue
		}
		msg := rec.Message
		if v, ok := rec.Attrs["error"]; ok {
			msg = fmt.Sprintf("%s: %v", msg, v)
		}
		b.mu.Lock()
		b.lastError = msg
		b.mu.Unlock()
	}
}

// Status returns the current bot status (implements status.StateProvider).
func (b *Bot) Status() status.Result {
	st := b.gateway.Stats()
	b.mu.Lock()
	lastErr := b.lastError
	b.mu.Unlock()

	return status.Result{
		State:              st.State.String(),
		Connected:          st.State == gateway.StateOpen,
		SessionID:          st.SessionID,
		ConnectedAt:        st.ConnectedAt,
		StartedAt:          b.startedAt,
		Uptime:             time.Since(b.startedAt).Truncate(time.Second).String(),
		Connections:        st.Connections,
		Received:           st.Received,
		Acked:              st.Acked,
		Duplicates:         st.Duplicates,
		Malformed:          st.Malformed,
		ReconnectRequested: st.ReconnectRequested,
		Commands:           b.registry.CommandKeys(),
		Mentions:           len(b.registry.Mentions()),
		Messages:           len(b.registry.Messages()),
		LastError:          lastErr,
		Version:            b.version,
	}
}
