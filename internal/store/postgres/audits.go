package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type auditRepo struct{ db *sql.DB }

// Record writes one append-only audit row, synchronously with the
// decision or write that produced it, per spec.md §4.9.
func (r *auditRepo) Record(ctx context.Context, a model.Audit) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audits (id, at, actor, kind, source_ip, backend_id, protocol, admitted, reason, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.At, a.Actor, a.Kind, a.SourceIP, a.BackendID, a.Protocol, a.Admitted, a.Reason, a.Detail)
	return trace.Wrap(err)
}

func (r *auditRepo) Query(ctx context.Context, since, until time.Time, sourceIP, personID, backendID string) ([]model.Audit, error) {
	query := `SELECT id, at, actor, kind, source_ip, backend_id, protocol, admitted, reason, detail
		FROM audits WHERE at >= $1 AND at <= $2`
	args := []interface{}{since, until}
	if sourceIP != "" {
		args = append(args, sourceIP)
		query += " AND source_ip = $" + strconv.Itoa(len(args))
	}
	if personID != "" {
		args = append(args, personID)
		query += " AND actor = $" + strconv.Itoa(len(args))
	}
	if backendID != "" {
		args = append(args, backendID)
		query += " AND backend_id = $" + strconv.Itoa(len(args))
	}
	query += " ORDER BY at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []model.Audit
	for rows.Next() {
		var a model.Audit
		if err := rows.Scan(&a.ID, &a.At, &a.Actor, &a.Kind, &a.SourceIP, &a.BackendID,
			&a.Protocol, &a.Admitted, &a.Reason, &a.Detail); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, a)
	}
	return out, trace.Wrap(rows.Err())
}
