// Package cmd implements the socketbot command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// defaultConfigPath is used when neither an argument nor --config is given.
// An empty path loads credentials from the environment alone.
const defaultConfigPath = ""

// NewRootCmd creates the root cobra command for socketbot. A bare invocation
// runs the bot.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "socketbot [config-file]",
		Short:         "Socket-mode chat bot",
		Long:          "socketbot holds a socket-mode connection to the chat platform and answers commands, mentions and messages.",
		Args:          cobra.MaximumNArgs(1),
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (YAML or JSON)")

	return root
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
