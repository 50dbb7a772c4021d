// Command server runs the birthday notification backend: an HTTP API for
// managing users plus a background cron driver that schedules and delivers
// birthday messages at each recipient's local send hour.
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

	"github.com/tbourn/go-birthday-backend/internal/config"
	"github.com/tbourn/go-birthday-backend/internal/cron"
	"github.com/tbourn/go-birthday-backend/internal/email"
	httpapi "github.com/tbourn/go-birthday-backend/internal/http"
	"github.com/tbourn/go-birthday-backend/internal/observability"
	"github.com/tbourn/go-birthday-backend/internal/repo"
	"github.com/tbourn/go-birthday-backend/internal/services"
	"github.com/tbourn/go-birthday-backend/internal/sysutil"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Local development convenience; production supplies real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	// Storage
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if cfg.OTEL.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			log.Warn().Err(err).Msg("gorm tracing plugin failed; continuing without db spans")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	// Delivery engine
	sender := email.NewClient(cfg.Email.URL, cfg.Email.Timeout)
	engine := services.NewSchedulerService(db, sender)
	engine.SendHour = cfg.Scheduler.SendHour
	engine.MaxRetries = cfg.Scheduler.MaxRetries

	// Background cadence driver
	var driver *cron.Driver
	if cfg.Scheduler.CronEnabled {
		driver, err = cron.New(engine, cron.Specs{
			Scan:    cfg.Scheduler.ScanSpec,
			Process: cfg.Scheduler.ProcessSpec,
			Retry:   cfg.Scheduler.RetrySpec,
			Recover: cfg.Scheduler.RecoverSpec,
		}, cfg.Scheduler.RecoveryDays)
		if err != nil {
			log.Fatal().Err(err).Msg("cron setup failed")
		}
		driver.Start()
	}

	// HTTP transport
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, sender, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}

	// Graceful teardown: stop accepting requests, then the cron driver, then
	// flush traces.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if driver != nil {
		driver.Stop(shutdownCtx)
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("server stopped")
}
