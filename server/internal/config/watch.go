package config

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/trafficiq/trafficiq/pkg/filewatch"
)

// Watch reloads path whenever it is saved and calls onChange when the
// signal section differs from the last config it applied. Only signal
// timing is live-reloadable; edits to any other section are logged as
// needing a restart. It runs until ctx is cancelled.
//
// A reload that fails to parse or validate is logged and skipped; the
// previous config stays in effect.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	// nil until the first valid load; every valid reload is then applied.
	applied, _ := Load(path)

	slog.Info("config: watching for changes", "path", path)
	return filewatch.Watch(ctx, path, filewatch.DefaultSettle, func() {
		cfg, err := Load(path)
		if err != nil {
			slog.Error("config: reload failed, keeping previous config",
				"path", path, "err", err)
			return
		}
		if applied != nil {
			if restartOnlyChanged(applied, cfg) {
				slog.Warn("config: changes outside signal take effect after restart", "path", path)
			}
			if applied.Signal == cfg.Signal {
				slog.Debug("config: reloaded, signal unchanged", "path", path)
				return
			}
			slog.Info("config: signal reloaded", "path", path,
				"base_duration_from", applied.Signal.BaseDuration,
				"base_duration_to", cfg.Signal.BaseDuration)
		}
		applied = cfg
		onChange(cfg)
	})
}

// restartOnlyChanged reports whether a and b differ outside the signal
// section.
func restartOnlyChanged(a, b *Config) bool {
	x, y := *a, *b
	x.Signal, y.Signal = SignalConfig{}, SignalConfig{}
	return !reflect.DeepEqual(x, y)
}
