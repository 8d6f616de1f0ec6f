package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/civicsafe/backend/internal/api"
	"github.com/civicsafe/backend/internal/audit"
	"github.com/civicsafe/backend/internal/auth"
	"github.com/civicsafe/backend/internal/cache"
	"github.com/civicsafe/backend/internal/config"
	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/gate"
	"github.com/civicsafe/backend/internal/metrics"
	"github.com/civicsafe/backend/internal/notify"
	"github.com/civicsafe/backend/internal/scoring"
	"github.com/civicsafe/backend/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if !cfg.Production() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Key-value store: degrades gracefully when Redis is down.
	cacheFacade := cache.New(cache.Config{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	defer cacheFacade.Shutdown()

	// Document store: Postgres when configured, in-memory otherwise.
	var docStore store.DocumentStore
	if cfg.Store.URI != "" {
		pg, err := store.Connect(ctx, cfg.Store.URI)
		if err != nil {
			slog.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		if err := pg.InitSchema(ctx); err != nil {
			slog.Error("schema init failed", "error", err)
			os.Exit(1)
		}
		docStore = pg
		slog.Info("store: postgres connected")
	} else {
		docStore = store.NewMemoryStore()
		slog.Warn("store: no DATABASE_URI set, using in-memory store")
	}
	defer docStore.Close()

	m := metrics.New()
	devices := device.NewRepository(docStore, cacheFacade)

	hub := notify.NewHub()
	go hub.Run()
	defer hub.Close()

	engine := scoring.NewEngine(cacheFacade, devices, docStore, hub, m, cfg.Scoring.ProximityRadiusM)
	processor := scoring.NewProcessor(engine, scoring.ProcessorConfig{
		Workers: map[scoring.Tier]int{
			scoring.TierEmergency:  cfg.Scoring.Workers.Emergency,
			scoring.TierStandard:   cfg.Scoring.Workers.Standard,
			scoring.TierBackground: cfg.Scoring.Workers.Background,
			scoring.TierAnalytics:  cfg.Scoring.Workers.Analytics,
		},
		BatchSize: cfg.Scoring.BatchSize,
	})
	processor.Start(ctx)

	broker := auth.NewBroker(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	authSvc := auth.NewService(docStore, broker)
	ingest := gate.New(docStore, devices, docStore, cacheFacade, engine, hub, authSvc, m)

	reaper := scoring.NewReaper(devices, docStore, m)
	go runSweeps(ctx, engine, reaper, cfg, m)

	server := api.NewServer(api.Deps{
		Gate:    ingest,
		Auth:    authSvc,
		Store:   docStore,
		Devices: devices,
		Cache:   cacheFacade,
		Hub:     hub,
		Engine:  engine,
		Metrics: m,
		Audit:   audit.SlogSink{},
	}, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
		}
	}

	// Drain HTTP first, then the scoring handshake reclaims in-flight work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	processor.Shutdown(shutdownCtx)
	slog.Info("stopped")
}

// runSweeps drives the periodic background passes: the coordinated-attack
// detector and the quarantine reaper.
func runSweeps(ctx context.Context, engine *scoring.Engine, reaper *scoring.Reaper, cfg *config.Config, m *metrics.Metrics) {
	detectorTicker := time.NewTicker(cfg.Scoring.SweepInterval)
	reaperTicker := time.NewTicker(cfg.Scoring.ReaperInterval)
	defer detectorTicker.Stop()
	defer reaperTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-detectorTicker.C:
			records, err := engine.RunCoordinatedSweep(ctx, cfg.Scoring.SweepWindow, time.Now())
			if err != nil {
				slog.Warn("coordinated sweep failed", "error", err)
				continue
			}
			if m != nil {
				m.DetectorSweeps.Inc()
			}
			if len(records) > 0 {
				slog.Info("coordinated sweep flagged groups", "count", len(records))
			}
		case <-reaperTicker.C:
			reaper.Sweep(ctx, time.Now())
		}
	}
}
