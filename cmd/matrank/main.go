package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"matrank/internal/config"
	"matrank/internal/core"
	"matrank/internal/ingestion"
	"matrank/internal/observability"
	"matrank/internal/snapshot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger("main")
	log.Info().Msg("matrank starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Snapshot store ---
	var store snapshot.Store
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres open")
		}
		defer db.Close()

		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping")
		}
		log.Info().Msg("postgres connected")

		if err := snapshot.NewMigrator(db, "migrations").Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}

		store = snapshot.NewPostgresStore(db)
	} else {
		log.Warn().Msg("no postgres dsn, using in-memory snapshot store")
		store = snapshot.NewMemoryStore()
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Tracker ---
	params, err := cfg.RatingParams()
	if err != nil {
		log.Fatal().Err(err).Msg("rating params")
	}
	tracker := core.NewTracker(params, store, cfg.PeriodLength(), metrics)

	if err := tracker.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recovery")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure NATS streams")
	}

	rawChan := make(chan ingestion.RawMessage, cfg.IngestBuffer)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	errChan := make(chan error, 4)

	// 1. Ingest loop: NATS -> tracker
	loop := ingestion.NewLoop(tracker, rawChan, metrics)
	go loop.Run(ctx)

	// 2. Period boundary poller
	go runAdvanceTicker(ctx, tracker, cfg.AdvanceInterval(), log)

	// 3. Metrics + health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)

		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Str("nats", cfg.NATSURL).
		Str("metrics", cfg.MetricsAddr).
		Int("period_days", cfg.PeriodDays).
		Msg("matrank ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("fatal error, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()
	subscriber.Stop()

	log.Info().Msg("matrank shutdown complete")
}

// runAdvanceTicker periodically closes lapsed periods in every pool. Busy
// pools are skipped and caught on the next tick.
func runAdvanceTicker(ctx context.Context, tracker *core.Tracker, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			for _, pid := range tracker.Pools() {
				err := tracker.Advance(ctx, pid, now)
				if err != nil && err != core.ErrPoolBusy {
					log.Warn().Err(err).Str("pool", string(pid)).Msg("advance failed, will retry")
				}
			}
		}
	}
}
