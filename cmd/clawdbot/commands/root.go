// Package commands implements the Clawdbot CLI commands using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
)

// NewRootCmd creates the CLI root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawdbot",
		Short: "Clawdbot - subagent orchestration for gateway-backed agents",
		Long: `Clawdbot orchestrates subagents on top of a Clawdbot gateway:
spawning background agent runs in isolated sessions, steering and killing
them, and reporting their status.

Examples:
  clawdbot serve
  clawdbot subagents "spawn research the Go 1.24 release notes"
  clawdbot subagents list --session main`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSubagentsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config honoring the persistent --config flag.
func resolveConfig(cmd *cobra.Command) (config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Resolve(path)
}

// buildLogger constructs the slog logger from the logging config and the
// persistent --verbose flag.
func buildLogger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
