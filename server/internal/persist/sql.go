package persist

import (
	"context"
	"database/sql"

	"github.com/paulloo/countdown3d/pkg/position"
)

// sqlGateway is shared by the sqlite and postgres backends; only the dialect
// strings differ.
type sqlGateway struct {
	db      *sql.DB
	backend string
	upsert  string
	since   string
	prune   string
}

func (g *sqlGateway) migrate(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return wrap(g.backend, "migrate", err)
		}
	}
	return nil
}

func (g *sqlGateway) Append(ctx context.Context, p position.Position) error {
	_, err := g.db.ExecContext(ctx, g.upsert, p.Timestamp, p.Lat, p.Lng)
	return wrap(g.backend, "append", err)
}

func (g *sqlGateway) LoadRecent(ctx context.Context, since int64) ([]position.Position, error) {
	rows, err := g.db.QueryContext(ctx, g.since, since)
	if err != nil {
		return nil, wrap(g.backend, "load", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		var p position.Position
		if err := rows.Scan(&p.Timestamp, &p.Lat, &p.Lng); err != nil {
			return nil, wrap(g.backend, "load", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(g.backend, "load", err)
	}
	return out, nil
}

func (g *sqlGateway) Prune(ctx context.Context, before int64) (int, error) {
	res, err := g.db.ExecContext(ctx, g.prune, before)
	if err != nil {
		return 0, wrap(g.backend, "prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(g.backend, "prune", err)
	}
	return int(n), nil
}

func (g *sqlGateway) Close() error {
	return wrap(g.backend, "close", g.db.Close())
}
