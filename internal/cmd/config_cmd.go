package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/socketbot/socketbot/internal/config"
	"github.com/socketbot/socketbot/internal/wizard"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "View the effective configuration",
		RunE:  runConfigShow,
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show [config-file]",
		Short: "Display the configuration after defaults and environment overrides",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigShow,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "init [output-file]",
		Short: "Interactively create a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	})
	return configCmd
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var output string
	if len(args) > 0 {
		output = args[0]
	}
	p := wizard.DefaultPrompter()
	p.In = cmd.InOrStdin()
	p.Out = cmd.OutOrStdout()
	_, err := wizard.New(p).Run(output)
	return err
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	masked := *cfg
	masked.Slack.AppToken = maskToken(cfg.Slack.AppToken)
	masked.Slack.BotToken = maskToken(cfg.Slack.BotToken)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	source := configPath
	if source == "" {
		source = "(environment)"
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Config: %s\n\n", source)
	_, _ = fmt.Fprintln(out, string(data))
	return nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
