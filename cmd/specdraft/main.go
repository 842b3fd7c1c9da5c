// Package main provides the entry point for the specdraft server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/specdraft/specdraft/internal/config"
	"github.com/specdraft/specdraft/internal/server"
	"github.com/specdraft/specdraft/pkg/database/migrate"
	"github.com/specdraft/specdraft/pkg/generator"
	"github.com/specdraft/specdraft/pkg/health"
	"github.com/specdraft/specdraft/pkg/interview"
	"github.com/specdraft/specdraft/pkg/merge"
	"github.com/specdraft/specdraft/pkg/ratelimit"
	"github.com/specdraft/specdraft/pkg/session"
	"github.com/specdraft/specdraft/pkg/storage"
	"github.com/specdraft/specdraft/pkg/storage/memory"
	"github.com/specdraft/specdraft/pkg/storage/postgres"
	"github.com/specdraft/specdraft/pkg/submission"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address override")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("specdraft version %s\n", server.Version)
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx := setupSignalHandler()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	gen := generator.NewClient(generator.ClientConfig{
		BaseURL: cfg.Generator.BaseURL,
		APIKey:  cfg.Generator.APIKey,
		Model:   cfg.Generator.Model,
		Timeout: cfg.Generator.Timeout,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		MaxRequests: cfg.RateLimit.MaxRequests,
		MaxTokens:   cfg.RateLimit.MaxTokens,
	})
	limiter.StartSweeper(cfg.RateLimit.Window)
	defer func() { _ = limiter.Close() }()

	sessions := session.NewManager(store, cfg.Session.TTL, logger)
	engine := merge.New(gen, merge.Config{
		Temperature: cfg.Generator.Temperature,
		MaxTokens:   cfg.Generator.MaxTokens,
	})
	interviews := interview.NewService(sessions, limiter, engine, gen, logger)
	submissions := submission.NewService(store, logger)

	checker := health.NewChecker()
	handler := server.NewHandler(sessions, interviews, submissions, checker, logger)
	srv := server.New(addressFor(cfg, opts), handler)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", srv.Addr, "version", server.Version)
		checker.SetReady()
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	checker.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func loadConfig(opts serverOptions) (*config.Config, error) {
	if opts.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(opts.configPath)
}

func addressFor(cfg *config.Config, opts serverOptions) string {
	if opts.address != "" {
		return opts.address
	}
	return cfg.Server.Address
}

// openStore selects the record store: postgres when a DSN is configured,
// in-memory otherwise. Both run a background reaper for expired records.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, using in-memory store")
		mem := memory.New()
		mem.StartReaper(cfg.Session.ReapInterval)
		return mem, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pg := postgres.New(db)
	pg.StartReaper(cfg.Session.ReapInterval)
	return pg, nil
}
