// Command server runs the dearchiver sender API: the staging ledger, load
// session manager, push pipeline, and pool registry behind a Gin HTTP
// surface.
//
// Startup order:
//  1. Load .env (best effort) and environment configuration.
//  2. Configure zerolog (level, optional pretty console output).
//  3. Open the local staging database and run migrations.
//  4. Load the tenant connection file and build the pool registry.
//  5. Optionally bootstrap the destination queue table (dev/test).
//  6. Set up OpenTelemetry tracing (when enabled).
//  7. Start the push sweeper and the HTTP server; exit cleanly on SIGINT/
//     SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/ejkorg/sender-sub001/internal/config"
	"github.com/ejkorg/sender-sub001/internal/destination"
	"github.com/ejkorg/sender-sub001/internal/extdb"
	httpapi "github.com/ejkorg/sender-sub001/internal/http"
	"github.com/ejkorg/sender-sub001/internal/observability"
	"github.com/ejkorg/sender-sub001/internal/repo"
	"github.com/ejkorg/sender-sub001/internal/services"
	"github.com/ejkorg/sender-sub001/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Best effort: fall through to real env when no .env exists.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Info().Str("version", version).Str("port", cfg.Port).Msg("starting sender")

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("opening staging database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrating staging database")
	}

	conns, err := extdb.LoadConnFile(cfg.Pool.ConnFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Pool.ConnFile).Msg("loading tenant connection file")
	}
	registry := extdb.NewRegistry(conns, extdb.RegistryOptions{
		MaxPools: cfg.Pool.CacheMaxPools,
		TTL:      cfg.Pool.CacheTTL,
		Defaults: extdb.Defaults{
			MaxOpenConns:    cfg.Pool.MaxOpenConns,
			MaxIdleConns:    cfg.Pool.MaxIdleConns,
			ConnMaxLifetime: cfg.Pool.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Pool.ConnMaxIdleTime,
		},
		Logger: log.Logger,
	})
	defer registry.Close()

	queue := &destination.SQLQueue{}
	if cfg.Push.BootstrapDest {
		bootstrapDestinations(conns, registry, queue)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("setting up tracing")
	}
	if cfg.OTEL.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			log.Fatal().Err(err).Msg("instrumenting staging database")
		}
	}

	// Background maintenance: stale claim reclaim plus session resume.
	pushSvc := services.NewPushService(db, registry, queue, cfg.Push, log.Logger)
	go pushSvc.Run(ctx)

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, registry, queue, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
	log.Info().Msg("stopped")
}

// bootstrapDestinations creates the remote queue table on every configured
// tenant. Intended for dev and test destinations only; production schemas
// are managed externally.
func bootstrapDestinations(conns *extdb.ConnConfig, registry *extdb.Registry, queue *destination.SQLQueue) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range conns.Keys() {
		db, _, err := registry.DB(key, "")
		if err != nil {
			log.Warn().Err(err).Str("pool", key).Msg("skipping destination bootstrap")
			continue
		}
		if err := destination.Bootstrap(ctx, db, queue.Table); err != nil {
			log.Warn().Err(err).Str("pool", key).Msg("destination bootstrap failed")
			continue
		}
		log.Info().Str("pool", key).Msg("destination queue table ready")
	}
}
