package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		ts  INTEGER PRIMARY KEY,
		lat REAL NOT NULL,
		lng REAL NOT NULL
	)`,
}

func openSQLite(ctx context.Context, u *url.URL) (Gateway, error) {
	path := uriPath(u)
	if path == "" {
		return nil, wrap("sqlite", "open", fmt.Errorf("empty path in %q", u.String()))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap("sqlite", "open", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("sqlite", "open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, wrap("sqlite", "open", fmt.Errorf("set journal_mode: %w", err))
	}

	g := &sqlGateway{
		db:      db,
		backend: "sqlite",
		upsert: `INSERT INTO positions (ts, lat, lng) VALUES (?, ?, ?)
			ON CONFLICT (ts) DO UPDATE SET lat = excluded.lat, lng = excluded.lng`,
		since: `SELECT ts, lat, lng FROM positions WHERE ts >= ? ORDER BY ts DESC`,
		prune: `DELETE FROM positions WHERE ts < ?`,
	}
	if err := g.migrate(ctx, sqliteMigrations); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}
