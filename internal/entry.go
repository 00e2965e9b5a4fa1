// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/bedrock/internal/api"
	"github.com/starford/bedrock/internal/graph"
	"github.com/starford/bedrock/internal/index"
	"github.com/starford/bedrock/internal/mcpserver"
	"github.com/starford/bedrock/internal/noteservice"
	"github.com/starford/bedrock/internal/sse"
	"github.com/starford/bedrock/internal/storage"
)

// core is the loaded vault shared by every command.
type core struct {
	store *storage.FS
	db    *index.DB
	svc   *noteservice.Service
}

// load opens the vault and its cache, brings the cache up to date and builds
// the link graph.
func (a *application) load(ctx context.Context, logger *slog.Logger, extra ...noteservice.Option) (*core, error) {
	cfg := a.config

	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	start := time.Now()
	notes, err := index.Sync(ctx, db, store, cfg.Index.Workers, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initial sync: %w", err)
	}

	opts := append([]noteservice.Option{
		noteservice.WithLogger(logger),
		noteservice.WithWorkers(cfg.Index.Workers),
		noteservice.WithDebounce(cfg.Index.Debounce),
		noteservice.WithTieBreak(graph.TieBreak(cfg.Resolution.TieBreak)),
		noteservice.WithHistory(cfg.Editor.History),
	}, extra...)
	svc := noteservice.New(store, db, opts...)
	svc.Load(notes)
	logger.Info("vault ready",
		slog.String("vault_path", cfg.Vault.Path),
		slog.Int("notes", len(notes)),
		slog.Duration("took", time.Since(start)))

	return &core{store: store, db: db, svc: svc}, nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := app.logger()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()),
		slog.Int("index_workers", cfg.Index.Workers),
		slog.String("tie_break", cfg.Resolution.TieBreak))

	broker := sse.NewBroker(2*time.Second, sse.WithLogger(logger))
	defer broker.Close()

	c, err := app.load(ctx, logger, noteservice.WithNotifier(broker))
	if err != nil {
		return err
	}
	defer c.db.Close()

	apiRouter := api.NewRouter(c.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, c.store)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"graph":   c.svc.Graph().Stats(),
			"clients": broker.ClientCount(),
		})
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.svc.Run(gCtx)
	})

	g.Go(func() error {
		if err := index.Watch(gCtx, c.db, c.store, cfg.Vault.Path, logger, c.svc.HandleChange); err != nil {
			logger.Error("vault watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

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

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Streams end when the broker closes; Shutdown would otherwise wait
		// for them until the timeout.
		broker.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools on stdin/stdout until the client disconnects.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	logger := app.logger()
	slog.SetDefault(logger)

	c, err := app.load(ctx, logger)
	if err != nil {
		return err
	}
	defer c.db.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.svc.Run(gCtx) })
	g.Go(func() error {
		if err := index.Watch(gCtx, c.db, c.store, app.config.Vault.Path, logger, c.svc.HandleChange); err != nil {
			logger.Error("vault watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	srv := mcpserver.New(c.svc, c.store)
	serveErr := srv.ServeStdio()
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	return serveErr
}

// Rename moves a note and rewrites the links to it, then prints the result
// as JSON.
func Rename(ctx context.Context, oldPath, newPath string, opts ...Option) error {
	return oneShot(ctx, opts, func(ctx context.Context, app *application, svc *noteservice.Service) error {
		res, err := svc.Rename(ctx, oldPath, newPath)
		if res != nil {
			if encErr := printJSON(app, res); encErr != nil {
				return encErr
			}
		}
		if err != nil {
			return fmt.Errorf("rename %s: %w", oldPath, err)
		}
		return svc.Wait(ctx)
	})
}

// Check verifies the link graph and prints the report as JSON.
func Check(ctx context.Context, opts ...Option) error {
	return oneShot(ctx, opts, func(ctx context.Context, app *application, svc *noteservice.Service) error {
		report, err := svc.Check(ctx)
		if report != nil {
			if encErr := printJSON(app, report); encErr != nil {
				return encErr
			}
		}
		return err
	})
}

// oneShot loads the vault, runs fn with the indexer running, and shuts down.
// Logs go to stderr so stdout carries only the result.
func oneShot(ctx context.Context, opts []Option, fn func(context.Context, *application, *noteservice.Service) error) error {
	app := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	logger := app.logger()

	c, err := app.load(ctx, logger)
	if err != nil {
		return err
	}
	defer c.db.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.svc.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	return fn(ctx, app, c.svc)
}

func printJSON(app *application, v any) error {
	enc := json.NewEncoder(app.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
