package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contexthub-ai/contexthub/internal/app"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server (default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().Bool("stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	cmd.Flags().String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	cmd.Flags().String("database-url", "", "database DSN (overrides DATABASE_URL)")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		cfg.Storage.DSN = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	stdio, _ := cmd.Flags().GetBool("stdio")

	logger := newLogger(cfg, stdio)

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("contexthub starting", "version", version, "stdio", stdio)
	logger.Info("effective configuration", "config", cfg.Redacted())

	if stdio {
		err = a.RunStdio(ctx)
	} else {
		err = a.Run(ctx)
	}
	if err != nil && err != context.Canceled {
		return err
	}
	logger.Info("contexthub stopped")
	return nil
}
