package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/trafficiq/trafficiq/pkg/filewatch"
)

// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 200 * time.Millisecond

// Watch calls onChange with the newly loaded Config each time path is
// saved, in place or by rename. It runs until ctx is cancelled.
//
// A reload that fails to parse or validate is logged and skipped; onChange
// is not called and the caller keeps its current sources.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	slog.Info("config: watching for changes", "path", path)
	return filewatch.Watch(ctx, path, reloadDelay, func() {
		cfg, err := Load(path)
		if err != nil {
			slog.Error("config: reload failed, keeping previous sources",
				"path", path, "err", err)
			return
		}
		slog.Info("config: reloaded", "path", path, "sources", len(cfg.Agent.Sources))
		onChange(cfg)
	})
}
