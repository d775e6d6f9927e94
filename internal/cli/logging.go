package cli

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/contexthub-ai/contexthub/internal/config"
)

// newLogger builds the process logger. JSON by default; the text format uses
// tint with colors when the sink is a terminal. In stdio MCP mode everything
// goes to stderr because stdout is the protocol pipe.
func newLogger(cfg *config.Config, stdio bool) *slog.Logger {
	var out io.Writer = os.Stdout
	fd := os.Stdout.Fd()
	if stdio {
		out = os.Stderr
		fd = os.Stderr.Fd()
	}

	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			NoColor:    !isatty.IsTerminal(fd),
			TimeFormat: time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
