// Package app assembles the process: storage, auth, engines, surfaces, and
// the background loops, in dependency order, with a graceful teardown in
// reverse.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/contexthub-ai/contexthub/internal/api"
	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/config"
	"github.com/contexthub-ai/contexthub/internal/mcpserver"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/message"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
)

const shutdownGrace = 30 * time.Second

// App is the assembled server.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store.Store
	auth     *auth.Service
	audit    *audit.Recorder
	caches   *cache.Set
	hub      *notify.Hub
	sessions *session.Engine
	messages *message.Engine
	memory   *memory.Engine
	search   *search.Engine

	api *api.Server
	mcp *mcpserver.Server
}

// New wires every component. Nothing is listening yet; Run and RunStdio do
// that.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.New(cfg.Storage.DSN, cfg.CI)
	if err != nil {
		return nil, err
	}

	authSvc, err := auth.NewService(st, cfg.Auth.APIKey, cfg.Auth.JWTSecret,
		cfg.Auth.EncryptionKey, cfg.Auth.TokenTTL, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	rec := audit.NewRecorder(st, logger)
	caches := cache.NewSet(
		cache.New(cfg.Cache.Sessions.Capacity, cfg.Cache.Sessions.TTL),
		cache.New(cfg.Cache.Messages.Capacity, cfg.Cache.Messages.TTL),
		cache.New(cfg.Cache.Search.Capacity, cfg.Cache.Search.TTL),
		cache.New(cfg.Cache.Memory.Capacity, cfg.Cache.Memory.TTL),
	)
	hub := notify.New(cfg.Notify.QueueSize, logger)

	sessions := session.New(st, caches, hub, rec, logger)
	messages := message.New(st, caches, hub, rec, logger)
	mem := memory.New(st, caches, hub, rec, logger)
	srch := search.New(messages, caches, logger)

	a := &App{
		cfg:      cfg,
		logger:   logger.With("component", "app"),
		store:    st,
		auth:     authSvc,
		audit:    rec,
		caches:   caches,
		hub:      hub,
		sessions: sessions,
		messages: messages,
		memory:   mem,
		search:   srch,
	}
	a.api = api.NewServer(api.Deps{
		Store:    st,
		Auth:     authSvc,
		Sessions: sessions,
		Messages: messages,
		Memory:   mem,
		Search:   srch,
		Audit:    rec,
		Caches:   caches,
		Hub:      hub,
	}, cfg, logger)
	a.mcp = mcpserver.New(mcpserver.Deps{
		Auth:     authSvc,
		Sessions: sessions,
		Messages: messages,
		Memory:   mem,
		Search:   srch,
		Audit:    rec,
	}, logger)
	return a, nil
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	a.startBackground(bg)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		a.teardown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
	}
	a.teardown()
	return ctx.Err()
}

// RunStdio serves MCP over stdin/stdout. The process exits when the client
// closes the pipe or the context is cancelled.
func (a *App) RunStdio(ctx context.Context) error {
	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	a.startBackground(bg)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("mcp stdio server ready")
		errCh <- a.mcp.ServeStdio()
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	a.teardown()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

// startBackground launches the periodic loops: expired token and memory
// sweeps, cache cleanup, limiter cleanup, and the idle-session reaper.
func (a *App) startBackground(ctx context.Context) {
	a.caches.StartCleanup(ctx, time.Minute)
	a.api.StartBackgroundTasks(ctx)

	go func() {
		ticker := time.NewTicker(a.cfg.Storage.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := a.auth.SweepExpired(ctx); err != nil {
					a.logger.Warn("token sweep failed", "error", err)
				} else if n > 0 {
					a.logger.Debug("token sweep", "deleted", n)
				}
				if _, err := a.memory.SweepExpired(ctx); err != nil {
					a.logger.Warn("memory sweep failed", "error", err)
				}
			}
		}
	}()

	if retention := a.cfg.Storage.SessionRetention; retention > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := a.sessions.ReapIdle(ctx, retention); err != nil {
						a.logger.Warn("session reaper failed", "error", err)
					} else if n > 0 {
						a.logger.Info("idle sessions deactivated", "count", n)
					}
				}
			}
		}()
	}
}

// teardown releases resources in reverse dependency order.
func (a *App) teardown() {
	a.hub.CloseAll()
	a.audit.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}
