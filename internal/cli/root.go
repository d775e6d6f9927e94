// Package cli wires the cobra command tree for the contexthub binary.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/contexthub-ai/contexthub/internal/config"
)

var version = "dev"

// errConfig marks failures that should exit with code 2.
var errConfig = errors.New("configuration error")

// NewRootCmd creates the root command. When invoked without a subcommand it
// delegates to "serve".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "contexthub",
		Short: "ContextHub, a shared context server for multi-agent coordination",
		Long: "ContextHub stores sessions, visibility-scoped messages, and per-agent memory\n" +
			"for cooperating AI agents, serving them over MCP stdio and HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newGenerateKeysCmd())
	root.AddCommand(newClientConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the CLI and returns the process exit code: 0 on success, 2 for
// configuration failures, 1 for anything else.
func Execute(v string) int {
	root := NewRootCmd(v)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errConfig) {
			return 2
		}
		return 1
	}
	return 0
}

// loadConfig loads and validates the environment configuration, tagging
// failures for exit code 2.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	return cfg, nil
}
