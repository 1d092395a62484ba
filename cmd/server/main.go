// Command server runs the case import API: CSV upload, column mapping,
// row cleanup, and chunked submission into the case store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/casedesk/importer/internal/config"
	"github.com/casedesk/importer/internal/core"
	"github.com/casedesk/importer/internal/logging"
	"github.com/casedesk/importer/internal/store"
	"github.com/casedesk/importer/internal/submit"
	"github.com/casedesk/importer/internal/web"
)

func main() {
	// Missing .env is fine; production sets real environment variables.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	log := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.NewPostgres(pool, log)
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	core.SubmitTimeout = cfg.Import.SubmitTimeout
	service := core.NewService(st, st, submitConfig(cfg), log)
	server := web.NewServer(service, cfg, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Sweep sessions whose owners walked away.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Session.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				service.CleanupStale(cfg.Session.MaxAge)
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", "error", err)
		}
		if err := service.Drain(shutdownCtx); err != nil {
			log.Warn("submission passes still running at shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	return pgxpool.NewWithConfig(ctx, pc)
}

func submitConfig(cfg *config.Config) submit.Config {
	return submit.Config{
		ChunkSize:       cfg.Import.ChunkSize,
		MaxAttempts:     cfg.Import.MaxAttempts,
		RetryBaseDelay:  cfg.Import.RetryBaseDelay,
		ChunkPause:      cfg.Import.ChunkPause,
		ArchiveMaxRows:  cfg.Import.ArchiveMaxRows,
		ArchiveMaxBytes: cfg.Import.ArchiveMaxBytes,
	}
}
