package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type allocationRepo struct{ db *sql.DB }

func (r *allocationRepo) Active(ctx context.Context, proxyIP string) (model.Allocation, error) {
	var a model.Allocation
	var released sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT proxy_ip, backend_id, created_at, released_at
		FROM allocations WHERE proxy_ip = $1 AND released_at IS NULL`, proxyIP,
	).Scan(&a.ProxyIP, &a.BackendID, &a.CreatedAt, &released)
	if err == sql.ErrNoRows {
		return a, trace.NotFound("no active allocation for proxy IP %q", proxyIP)
	}
	if err != nil {
		return a, trace.Wrap(err)
	}
	if released.Valid {
		a.ReleasedAt = released.Time
	}
	return a, nil
}

func (r *allocationRepo) AllActive(ctx context.Context) ([]model.Allocation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT proxy_ip, backend_id, created_at FROM allocations WHERE released_at IS NULL`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []model.Allocation
	for rows.Next() {
		var a model.Allocation
		if err := rows.Scan(&a.ProxyIP, &a.BackendID, &a.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, a)
	}
	return out, trace.Wrap(rows.Err())
}

// Bind enforces invariant 1 (spec.md §8): at most one active allocation per
// proxy IP. The uniqueness check and insert run in one transaction.
func (r *allocationRepo) Bind(ctx context.Context, proxyIP, backendID string, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM allocations WHERE proxy_ip = $1 AND released_at IS NULL`, proxyIP,
	).Scan(&exists); err != nil {
		return trace.Wrap(err)
	}
	if exists > 0 {
		return trace.AlreadyExists("proxy IP %q already has an active allocation", proxyIP)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO allocations (proxy_ip, backend_id, created_at) VALUES ($1, $2, $3)`,
		proxyIP, backendID, now); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

func (r *allocationRepo) Release(ctx context.Context, proxyIP string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE allocations SET released_at = $2 WHERE proxy_ip = $1 AND released_at IS NULL`,
		proxyIP, now)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("no active allocation for proxy IP %q", proxyIP)
	}
	return nil
}
