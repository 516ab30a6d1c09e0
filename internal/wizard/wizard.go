// Package wizard provides an interactive setup wizard that writes a socketbot
// config file.
package wizard

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
)

var logLevels = []string{"debug", "info", "warn", "error"}

// Wizard drives the interactive config setup.
type Wizard struct {
	p *Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run asks for credentials and settings and writes a YAML config to
// outputPath, asking for the path when it is empty. It returns the path
// written.
func (w *Wizard) Run(outputPath string) (string, error) {
	out := w.p.Out
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "  socketbot configuration")
	_, _ = fmt.Fprintln(out, strings.Repeat("─", 28))
	_, _ = fmt.Fprintln(out)

	_, _ = fmt.Fprintln(out, "Credentials")
	appToken, err := w.p.AskToken("  App-level token", "xapp-")
	if err != nil {
		return "", err
	}
	botToken, err := w.p.AskToken("  Bot token", "xoxb-")
	if err != nil {
		return "", err
	}
	_, _ = fmt.Fprintln(out)

	_, _ = fmt.Fprintln(out, "Runtime")
	level := w.p.Choose("  Log level", logLevels, 1)
	statusAddr := w.p.Ask("  Status server address (\"-\" to disable)", "127.0.0.1:8089")
	if statusAddr == "-" {
		statusAddr = ""
	}
	reconnect := w.p.Confirm("  Reconnect after connection errors?", true)

	dedup := map[string]any{}
	if w.p.Confirm("  Remember delivered envelopes across restarts?", false) {
		dedup["path"] = w.p.Ask("  Dedup database path", "socketbot.db")
	}
	_, _ = fmt.Fprintln(out)

	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", "./socketbot.yaml")
	}

	doc := map[string]any{
		"slack": map[string]any{
			"app_token": appToken,
			"bot_token": botToken,
		},
		"gateway": map[string]any{
			"reconnect_on_error": reconnect,
		},
		"log_level": level,
	}
	if statusAddr != "" {
		doc["status"] = map[string]any{"addr": statusAddr}
	}
	if len(dedup) > 0 {
		doc["dedup"] = dedup
	}

	data, err := yaml.Parser().Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}

	_, _ = fmt.Fprintf(out, "  Config written to %s\n\n", outputPath)
	_, _ = fmt.Fprintln(out, "  Next steps:")
	_, _ = fmt.Fprintf(out, "    socketbot run %s\n\n", outputPath)
	return outputPath, nil
}
