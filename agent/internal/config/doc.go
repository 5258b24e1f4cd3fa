// Package config loads and watches the agent configuration file.
//
// Top-level types:
//   - Config{Log, Agent}: full config tree parsed from YAML
//   - AgentConfig: server_url, scrape_interval, ship_interval, buffer_size,
//     sources [], server_auth
//   - Source: id, direction, endpoint, metric, image_label, auth, tls
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none), cert/key/ca files,
//     header, key_env, token_env, username, password_env; Key(), Token() and
//     Password() resolve secrets from environment variables
//
// Load(path) reads the YAML file, applies defaults (5s scrape, 2s ship,
// 256 buffer, metric trafficiq_detected_vehicles, label image_ref), then
// validates required fields and enums. At most one source may feed a lane.
//
// Watch(ctx, path, onChange) calls onChange with the newly parsed Config
// after each save. Saves that rename a temp file over the config are picked
// up too; see pkg/filewatch.
package config
