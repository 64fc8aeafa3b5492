package persist

import (
	"context"
	"database/sql"
	"net/url"

	_ "github.com/lib/pq"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		ts  BIGINT PRIMARY KEY,
		lat DOUBLE PRECISION NOT NULL,
		lng DOUBLE PRECISION NOT NULL
	)`,
}

func openPostgres(ctx context.Context, u *url.URL) (Gateway, error) {
	db, err := sql.Open("postgres", u.String())
	if err != nil {
		return nil, wrap("postgres", "open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrap("postgres", "ping", err)
	}

	g := &sqlGateway{
		db:      db,
		backend: "postgres",
		upsert: `INSERT INTO positions (ts, lat, lng) VALUES ($1, $2, $3)
			ON CONFLICT (ts) DO UPDATE SET lat = EXCLUDED.lat, lng = EXCLUDED.lng`,
		since: `SELECT ts, lat, lng FROM positions WHERE ts >= $1 ORDER BY ts DESC`,
		prune: `DELETE FROM positions WHERE ts < $1`,
	}
	if err := g.migrate(ctx, postgresMigrations); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}
