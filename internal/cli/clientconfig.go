package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// clientConfigTargets maps a client name to where its MCP config lives.
var clientConfigTargets = map[string]string{
	"claude":   "~/.claude.json (or .mcp.json in the project root)",
	"cursor":   "~/.cursor/mcp.json",
	"windsurf": "~/.codeium/windsurf/mcp_config.json",
}

func newClientConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client-config <claude|cursor|windsurf>",
		Short: "Print an MCP client configuration snippet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := args[0]
			location, ok := clientConfigTargets[client]
			if !ok {
				return fmt.Errorf("unknown client %q, expected claude, cursor, or windsurf", client)
			}

			exe, err := os.Executable()
			if err != nil {
				exe = "contexthub"
			}
			snippet := map[string]any{
				"mcpServers": map[string]any{
					"contexthub": map[string]any{
						"command": exe,
						"args":    []string{"serve", "--stdio"},
						"env": map[string]string{
							"API_KEY":            "<your API key>",
							"JWT_SECRET_KEY":     "<your JWT secret>",
							"JWT_ENCRYPTION_KEY": "<your encryption key>",
							"DATABASE_URL":       "~/.contexthub/contexthub.db",
						},
					},
				},
			}
			b, err := json.MarshalIndent(snippet, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# Add to %s\n", location)
			fmt.Fprintln(out, string(b))
			return nil
		},
	}
}
