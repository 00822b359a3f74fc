// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/healthvault/internal/mcpserver"
)

func (a *application) setup(out io.Writer) (*Config, *slog.Logger, error) {
	if a.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	cfg := a.config

	logger := a.logger
	if logger == nil {
		// Initialize structured JSON logger.
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: cfg.App.LogLevel,
		}))
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("ledger_mode", cfg.Ledger.Mode),
		slog.String("contract", cfg.Ledger.ContractAddress),
		slog.String("blobstore_mode", cfg.BlobStore.Mode),
		slog.String("keystore_dir", cfg.Wallet.KeystoreDir),
		slog.String("cache_path", cfg.Cache.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))
	return cfg, logger, nil
}

// Run starts the HTTP server, the audit poller and the keystore watcher.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	cfg, logger, err := app.setup(os.Stdout)
	if err != nil {
		return err
	}

	c, err := newComponents(ctx, cfg, logger, app.backend)
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Warn("wallet: software keystore in use; X-Wallet-Address is unverified and any authorized client can act as any keystore identity",
		slog.String("keystore_dir", cfg.Wallet.KeystoreDir),
		slog.Int("identities", len(c.keys.Identities())),
		slog.Bool("auth_enabled", cfg.Auth.AuthEnabled()))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           c.handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Poll ledger events into the audit log, cache and SSE stream.
	if cfg.Audit.Enabled {
		g.Go(func() error {
			return c.audit.Run(gCtx)
		})
	}

	// Pick up key files added to the keystore without a restart.
	if cfg.Wallet.Watch {
		g.Go(func() error {
			if err := c.keys.Watch(gCtx); err != nil {
				logger.Warn("wallet: watcher unavailable", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the poller and watcher stop with the server.
var errShutdown = errors.New("shutdown requested")

// ServeMCP exposes the read-only MCP tools on stdin/stdout. Logs go to
// stderr so they never interleave with the protocol stream.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}

	cfg, logger, err := app.setup(os.Stderr)
	if err != nil {
		return err
	}

	c, err := newComponents(ctx, cfg, logger, app.backend)
	if err != nil {
		return err
	}
	defer c.Close()

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Audit.Enabled {
		go func() {
			_ = c.audit.Run(pollCtx)
		}()
	}

	srv := mcpserver.New(c.vault, c.audit, c.cache)
	logger.Info("MCP server listening on stdio")
	return srv.ServeStdio()
}
