package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/trafficiq/trafficiq/server/internal/alerts"
	"github.com/trafficiq/trafficiq/server/internal/api"
	"github.com/trafficiq/trafficiq/server/internal/auth"
	"github.com/trafficiq/trafficiq/server/internal/config"
	"github.com/trafficiq/trafficiq/server/internal/controller"
	"github.com/trafficiq/trafficiq/server/internal/history"
	"github.com/trafficiq/trafficiq/server/internal/metrics"
	"github.com/trafficiq/trafficiq/server/internal/receiver"
	"github.com/trafficiq/trafficiq/server/internal/store"
	"github.com/trafficiq/trafficiq/server/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	uiDir := flag.String("ui-dir", "", "serve the dashboard static files from this directory; leave empty to disable")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	slog.Info("trafficiq-server starting",
		"version", version,
		"config", *configPath,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"storage_backend", cfg.Storage.Backend,
		"base_duration", cfg.Signal.BaseDuration,
		"unit", cfg.Signal.Unit,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *configPath, *uiDir); err != nil {
		slog.Error("trafficiq-server stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("trafficiq-server stopped")
}

// loadConfig reads path, falling back to the built-in defaults when the file
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Defaults(), nil
	}
	return cfg, err
}

func run(ctx context.Context, cfg *config.Config, configPath, uiDir string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st := store.New()
	hub := ws.New(st, cfg.Notify.Heartbeat, m)
	alertEngine := alerts.New(cfg.Alerts)

	g, gctx := errgroup.WithContext(ctx)

	// History backend. Writes are queued so a slow or failing backend never
	// holds up lane updates.
	var (
		querier  history.Querier
		recorder history.Recorder
	)
	switch cfg.Storage.Backend {
	case config.BackendBadger:
		bcfg := history.DefaultBadgerConfig(cfg.Storage.Path)
		bcfg.Logger = slog.Default()
		db, err := history.OpenBadger(bcfg)
		if err != nil {
			return err
		}
		defer db.Close()
		querier = db
		async := history.NewAsyncRecorder(db, cfg.Storage.BufferSize, cfg.Storage.WriteTimeout, m)
		recorder = async
		g.Go(func() error { async.Run(gctx); return nil })
		g.Go(func() error { db.RunGC(gctx); return nil })

	case config.BackendInflux:
		in := cfg.Storage.Influx
		ix := history.NewInfluxRecorder(history.InfluxConfig{
			URL:    in.URL,
			Token:  in.Token(),
			Org:    in.Org,
			Bucket: in.Bucket,
		})
		defer ix.Close()
		async := history.NewAsyncRecorder(ix, cfg.Storage.BufferSize, cfg.Storage.WriteTimeout, m)
		recorder = async
		g.Go(func() error { async.Run(gctx); return nil })
	}

	rcv := receiver.New(st, hub, alertEngine, recorder, m)
	hub.SetClearFunc(func(ctx context.Context) { rcv.Reset(ctx) })

	ctrl := controller.New(st, hub, controller.Config{
		BaseDuration: cfg.Signal.BaseDuration,
		Unit:         cfg.Signal.Unit,
		Backoff:      cfg.Signal.Backoff,
		StopTimeout:  cfg.Signal.StopTimeout,
	}, m)

	g.Go(func() error { hub.Run(gctx); return nil })

	if _, err := os.Stat(configPath); err == nil {
		g.Go(func() error {
			err := config.Watch(gctx, configPath, func(c *config.Config) {
				ctrl.SetBaseDuration(c.Signal.BaseDuration)
			})
			if err != nil {
				slog.Warn("config watcher unavailable, hot reload disabled", "err", err)
			}
			return nil
		})
	}

	var limiter *rate.Limiter
	if rl := cfg.Server.RateLimit; rl.ReportsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(rl.ReportsPerSecond), rl.Burst)
	}

	apiHandler := api.New(api.Deps{
		Store:     st,
		Intake:    rcv,
		Scheduler: ctrl,
		History:   querier,
		Alerts:    alertEngine,
		Auth: auth.APIKey(
			cfg.Server.Auth.Mode,
			cfg.Server.Auth.EffectiveHeader(),
			cfg.Server.Auth.Key(),
		),
		Limiter:        limiter,
		Clients:        hub.Count,
		ImageDir:       cfg.Server.ImageDir,
		Version:        version,
		StorageBackend: cfg.Storage.Backend,
	})

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", apiHandler)
	httpMux.Handle("/ws/stream", hub)
	httpMux.Handle("/metrics", m.Handler())

	// Optional: serve the pre-built dashboard from a local directory.
	// The "/" catch-all serves index.html for any unknown path (SPA routing).
	if uiDir != "" {
		files := http.FileServer(http.Dir(uiDir))
		httpMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if _, err := os.Stat(uiDir + r.URL.Path); os.IsNotExist(err) {
				http.ServeFile(w, r, uiDir+"/index.html")
				return
			}
			files.ServeHTTP(w, r)
		})
		slog.Info("serving UI static files", "dir", uiDir)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := ctrl.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("trafficiq-server shutting down")
		if !ctrl.Stop() {
			slog.Warn("controller did not stop in time")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
