// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: the `agent:` section; `server:` is ignored
//   - AgentConfig: server_url, reconnect_delay (default 5s), log_level, ping
//   - PingConfig: enabled, lat, lng, interval
//
// Load(path) reads the YAML file, applies defaults, then validates the URL
// scheme, ranges and enums.
//
// Watch(ctx, path, logger, onChange) uses fsnotify to detect file changes and
// calls onChange with the newly parsed Config. It handles the rename/create
// pattern used by atomic-save editors by re-adding the watch.
package config
