package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/socketbot/socketbot/internal/config"
	"github.com/socketbot/socketbot/internal/status"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	labelStyle = lipgloss.NewStyle().Foreground(colorMuted).Width(12)
	okStyle    = lipgloss.NewStyle().Foreground(colorSuccess)
	warnStyle  = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle = lipgloss.NewStyle().Foreground(colorError)
)

func newStatusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Show the live status of a running bot",
		RunE:  runStatus,
	}
	c.Flags().String("addr", "", "status server address (defaults to status.addr from config)")
	return c
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		addr = cfg.Status.Addr
	}
	if addr == "" {
		return fmt.Errorf("no status address: set status.addr or pass --addr")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	res, err := status.Fetch(ctx, addr)
	if err != nil {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render("socketbot is not reachable at "+addr))
		return err
	}
	renderStatus(cmd.OutOrStdout(), res)
	return nil
}

func renderStatus(w io.Writer, res *status.Result) {
	state := warnStyle.Render(res.State)
	switch {
	case res.Connected:
		state = okStyle.Render(res.State)
	case res.State == "stopped":
		state = errorStyle.Render(res.State)
	}

	row := func(label, value string) string {
		return labelStyle.Render(label) + value
	}
	lines := []string{
		titleStyle.Render("socketbot " + res.Version),
		row("State", state),
		row("Uptime", res.Uptime),
		row("Session", orDash(res.SessionID)),
		row("Connects", fmt.Sprintf("%d", res.Connections)),
		row("Envelopes", fmt.Sprintf("%d received, %d acked, %d duplicate, %d malformed",
			res.Received, res.Acked, res.Duplicates, res.Malformed)),
		row("Commands", orDash(strings.Join(res.Commands, " "))),
		row("Patterns", fmt.Sprintf("%d mention, %d message", res.Mentions, res.Messages)),
	}
	if res.ReconnectRequested {
		lines = append(lines, row("Refresh", warnStyle.Render("requested by gateway")))
	}
	if res.LastError != "" {
		lines = append(lines, row("Last error", errorStyle.Render(res.LastError)))
	}
	_, _ = fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
