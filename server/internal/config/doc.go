// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - HTTPPort            port for the REST API and WebSocket hub (default 3001)
//   - WSPath              WebSocket mount point (default /ws)
//   - LogLevel            debug | info | warn | error
//   - Store.Retention     how long a position stays live (default 5m)
//   - Store.SweepInterval periodic eviction interval (default 60s)
//   - Hub.*               per-client send buffer, read limit and ingest rate
//   - Dedup.Mode          "off" or "reject", with Dedup.MinDistanceKm (default 50)
//   - Persistence.*       backend URI (or URIEnv), append timeout, connect
//     retry policy, queue size and RequireInitialLoad
//
// Load(path) applies defaults before unmarshalling, then validates with
// struct tags. Watch(ctx, path, logger, fn) reloads the file on change; the
// server applies LogLevel, Dedup and Store.SweepInterval live.
package config
