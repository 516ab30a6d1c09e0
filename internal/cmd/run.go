package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/socketbot/socketbot/internal/bot"
	"github.com/socketbot/socketbot/internal/config"
	"github.com/socketbot/socketbot/internal/eventbus"
	"github.com/socketbot/socketbot/internal/gateway"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Connect and serve (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	bus := eventbus.New()
	defer bus.Close()
	logger := newLogger(os.Stdout, cfg.LogLevel, bus)

	b, err := bot.New(cfg, logger, bus, bot.WithVersion(version))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("socketbot starting", "version", version, "config", configPath)

	if err := b.Run(ctx); err != nil {
		if errors.Is(err, gateway.ErrNegotiation) {
			logger.Error("could not open a socket session", "error", err)
		} else {
			logger.Error("bot error", "error", err)
		}
		os.Exit(1)
	}

	logger.Info("socketbot stopped")
	return nil
}

// newLogger builds the process logger: text output on a terminal, JSON
// otherwise. Warnings and errors are also published on bus.
func newLogger(w io.Writer, level string, bus *eventbus.Bus) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var h slog.Handler
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	if bus != nil {
		h = eventbus.NewSlogHandler(h, bus, slog.LevelWarn)
	}
	return slog.New(h)
}
