// Package config loads the trafficiq-server configuration file.
//
// Sections:
//   - log      level for the JSON slog handler
//   - server   HTTP port, API-key auth, ingest rate limit
//   - signal   scheduler timing (base duration, unit, backoff, stop timeout)
//   - notify   WebSocket heartbeat
//   - storage  history backend: badger | influx | none
//   - alerts   congestion rules and webhook targets
//
// Secrets never live in the file: *_env fields name the environment
// variable that holds them. Load(path) applies defaults before
// unmarshalling, then validates. Watch reloads on change.
package config
