package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type stayRepo struct{ db *sql.DB }

func scanStay(row interface {
	Scan(dest ...interface{}) error
}) (model.Stay, error) {
	var s model.Stay
	var endsAt sql.NullTime
	var reason sql.NullString
	err := row.Scan(&s.ID, &s.PersonID, &s.PolicyID, &s.BackendID, &s.Protocol, &s.SourceIP,
		&s.ProxyIP, &s.StartedAt, &endsAt, &reason, &s.RecordingPath, &s.RecordingBytes,
		&s.BytesIn, &s.BytesOut)
	if err == sql.ErrNoRows {
		return s, trace.NotFound("stay not found")
	}
	if err != nil {
		return s, trace.Wrap(err)
	}
	if endsAt.Valid {
		s.EndsAt = endsAt.Time
	}
	s.TerminationReason = model.TerminationReason(reason.String)
	return s, nil
}

const stayColumns = `id, person_id, policy_id, backend_id, protocol, source_ip, proxy_ip,
	started_at, ends_at, termination_reason, recording_path, recording_bytes, bytes_in, bytes_out`

func (r *stayRepo) Get(ctx context.Context, id string) (model.Stay, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+stayColumns+` FROM stays WHERE id = $1`, id)
	return scanStay(row)
}

func (r *stayRepo) Create(ctx context.Context, s model.Stay) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stays (id, person_id, policy_id, backend_id, protocol, source_ip, proxy_ip, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.PersonID, s.PolicyID, s.BackendID, s.Protocol, s.SourceIP, s.ProxyIP, s.StartedAt)
	return trace.Wrap(err)
}

// ActiveMatching implements the RDP dedup lookup of spec.md §4.4: an active
// stay with identical (person, backend, protocol, source IP).
func (r *stayRepo) ActiveMatching(ctx context.Context, personID, backendID string, protocol model.Protocol, sourceIP string) (model.Stay, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+stayColumns+` FROM stays
		WHERE ends_at IS NULL AND person_id = $1 AND backend_id = $2 AND protocol = $3 AND source_ip = $4
		ORDER BY started_at DESC LIMIT 1`,
		personID, backendID, protocol, sourceIP)
	return scanStay(row)
}

func (r *stayRepo) AllActive(ctx context.Context) ([]model.Stay, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+stayColumns+` FROM stays WHERE ends_at IS NULL`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []model.Stay
	for rows.Next() {
		s, err := scanStay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, trace.Wrap(rows.Err())
}

func (r *stayRepo) ActiveOnProxyIP(ctx context.Context, proxyIP string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stays WHERE ends_at IS NULL AND proxy_ip = $1)`,
		proxyIP).Scan(&exists)
	return exists, trace.Wrap(err)
}

func (r *stayRepo) UpdateCounters(ctx context.Context, id string, bytesIn, bytesOut int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE stays SET bytes_in = bytes_in + $2, bytes_out = bytes_out + $3 WHERE id = $1`,
		id, bytesIn, bytesOut)
	return trace.Wrap(err)
}

func (r *stayRepo) AttachRecording(ctx context.Context, id, path string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE stays SET recording_path = $2 WHERE id = $1`, id, path)
	return trace.Wrap(err)
}

func (r *stayRepo) Close(ctx context.Context, id string, reason model.TerminationReason, now time.Time, recordingBytes int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE stays SET ends_at = $2, termination_reason = $3, recording_bytes = $4
		WHERE id = $1 AND ends_at IS NULL`,
		id, now, reason, recordingBytes)
	return trace.Wrap(err)
}
