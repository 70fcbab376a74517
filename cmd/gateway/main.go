// Command gateway runs the polyglot completion gateway and its admin tools.
//
// Start the server:
//
//	gateway serve --config config.yaml
//
// Hash a client API key for the auth section:
//
//	gateway keygen <key> --user alice
//
// Manage tool policies:
//
//	gateway policy set openai web_search --enabled
//	gateway policy list
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd is separate from main for tests.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Multi-backend completion gateway",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildKeygenCmd(),
		buildPolicyCmd(),
		buildLayerCmd(),
		buildCredentialCmd(),
		buildTemplateCmd(),
	)
	return rootCmd
}
