package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/trafficiq/trafficiq/agent/internal/config"
	"github.com/trafficiq/trafficiq/agent/internal/scraper"
	"github.com/trafficiq/trafficiq/agent/internal/shipper"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	slog.Info("trafficiq-agent starting",
		"config", *configPath,
		"server_url", cfg.Agent.ServerURL,
		"sources", len(cfg.Agent.Sources),
		"scrape_interval", cfg.Agent.ScrapeInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	set := &sourceSet{}
	set.replace(cfg.Agent.Sources)
	if set.len() == 0 {
		slog.Warn("no sources configured, agent will idle")
	}

	// Hot reload rebuilds the scraper set; server settings need a restart.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			set.replace(updated.Agent.Sources)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	ship := shipper.New(cfg.Agent)
	shipDone := make(chan struct{})
	go func() {
		ship.Run(ctx)
		close(shipDone)
	}()

	ticker := time.NewTicker(cfg.Agent.ScrapeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("trafficiq-agent shutting down", "pending", ship.Pending())
			<-shipDone
			return
		case <-ticker.C:
			set.scrapeAll(ctx, ship)
		}
	}
}

type source struct {
	id string
	s  scraper.Scraper
}

// sourceSet holds the scrapers built from the current config.
type sourceSet struct {
	mu      sync.Mutex
	sources []source
}

func (ss *sourceSet) replace(srcs []config.Source) {
	next := make([]source, 0, len(srcs))
	for _, src := range srcs {
		s, err := scraper.New(src)
		if err != nil {
			slog.Error("skipping source, could not build scraper", "source", src.ID, "err", err)
			continue
		}
		next = append(next, source{id: src.ID, s: s})
		slog.Info("registered source", "id", src.ID, "direction", src.Direction, "endpoint", src.Endpoint)
	}

	ss.mu.Lock()
	ss.sources = next
	ss.mu.Unlock()
}

func (ss *sourceSet) len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sources)
}

// scrapeAll polls every detector concurrently and ships each reading.
func (ss *sourceSet) scrapeAll(ctx context.Context, ship *shipper.Shipper) {
	ss.mu.Lock()
	srcs := ss.sources
	ss.mu.Unlock()

	var wg sync.WaitGroup
	for _, src := range srcs {
		wg.Add(1)
		go func(src source) {
			defer wg.Done()
			r, err := src.s.Scrape(ctx)
			if err != nil {
				slog.Warn("scrape error", "source", src.id, "err", err)
				return
			}
			ship.Ship(r.Report)
		}(src)
	}
	wg.Wait()
}
