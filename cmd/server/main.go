package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			runMigration(ctx, ps, logger)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
	}

	opts := realtime.Options{
		ResponseWindow:       cfg.ResponseWindow,
		DefaultRadiusKm:      cfg.DefaultRadiusKm,
		SpeedMps:             cfg.DefaultSpeedMps,
		SessionRetention:     cfg.SessionRetention,
		SessionSweepInterval: cfg.SessionSweepInterval,
		Logger:               logger,
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideEventsTopic)
		defer producer.Close()
		opts.Publisher = producer
	}
	if cfg.StripeAPIKey != "" {
		opts.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	if cfg.PushEndpoint != "" {
		opts.Push = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)
	}

	hub := realtime.New(store, opts)
	if err := hub.Start(ctx); err != nil {
		logger.Error("hub start failed", "error", err)
		os.Exit(1)
	}
	defer hub.Stop()

	if len(cfg.KafkaBrokers) > 0 {
		bookings := ingest.NewBookingConsumer(cfg.KafkaBrokers, cfg.KafkaBookingTopic, cfg.KafkaGroup, hub.Engine(), logger)
		defer bookings.Close()
		go func() {
			if err := bookings.Run(ctx); err != nil {
				logger.Error("booking consumer stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(hub, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "response_window", cfg.ResponseWindow.String())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// runMigration applies migrations/001_create_rides.sql. Failures are logged;
// the statements are idempotent so a rerun is safe.
func runMigration(ctx context.Context, ps *storage.PostgresStore, logger *slog.Logger) {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_rides.sql")
}
