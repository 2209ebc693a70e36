package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type sessionRepo struct{ db *sql.DB }

func (r *sessionRepo) Create(ctx context.Context, s model.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, stay_id, started_at, kind) VALUES ($1,$2,$3,$4)`,
		s.ID, s.StayID, s.StartedAt, s.Kind)
	return trace.Wrap(err)
}

func (r *sessionRepo) Close(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`, id, now)
	return trace.Wrap(err)
}

func (r *sessionRepo) CountOpen(ctx context.Context, stayID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sessions WHERE stay_id = $1 AND ended_at IS NULL`, stayID,
	).Scan(&n)
	return n, trace.Wrap(err)
}
