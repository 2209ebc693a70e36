package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type transcodeRepo struct{ db *sql.DB }

const transcodeColumns = `id, stay_id, status, priority, progress, total, eta_seconds,
	output_path, error, created_at, started_at, finished_at`

func scanTranscode(row interface {
	Scan(dest ...interface{}) error
}) (model.TranscodeJob, error) {
	var j model.TranscodeJob
	var started, finished sql.NullTime
	err := row.Scan(&j.ID, &j.StayID, &j.Status, &j.Priority, &j.Progress, &j.Total,
		&j.ETASeconds, &j.OutputPath, &j.Error, &j.CreatedAt, &started, &finished)
	if err == sql.ErrNoRows {
		return j, trace.NotFound("transcode job not found")
	}
	if err != nil {
		return j, trace.Wrap(err)
	}
	if started.Valid {
		j.StartedAt = started.Time
	}
	if finished.Valid {
		j.FinishedAt = finished.Time
	}
	return j, nil
}

func (r *transcodeRepo) Create(ctx context.Context, j model.TranscodeJob) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transcode_jobs (id, stay_id, status, priority, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		j.ID, j.StayID, j.Status, j.Priority, j.CreatedAt)
	return trace.Wrap(err)
}

func (r *transcodeRepo) Get(ctx context.Context, id string) (model.TranscodeJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transcodeColumns+` FROM transcode_jobs WHERE id = $1`, id)
	return scanTranscode(row)
}

func (r *transcodeRepo) CountByStatus(ctx context.Context, status model.TranscodeStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM transcode_jobs WHERE status = $1`, status).Scan(&n)
	return n, trace.Wrap(err)
}

// ClaimNext implements the priority-then-FIFO pick of spec.md §4.8: nonzero
// priority jobs before any priority-0 job, ties broken by created_at.
func (r *transcodeRepo) ClaimNext(ctx context.Context, now time.Time) (model.TranscodeJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TranscodeJob{}, trace.Wrap(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+transcodeColumns+` FROM transcode_jobs
		WHERE status = 'pending'
		ORDER BY (priority = 0) ASC, priority DESC, created_at ASC
		LIMIT 1 FOR UPDATE`)
	j, err := scanTranscode(row)
	if err != nil {
		return j, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE transcode_jobs SET status = 'running', started_at = $2 WHERE id = $1`,
		j.ID, now); err != nil {
		return model.TranscodeJob{}, trace.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return model.TranscodeJob{}, trace.Wrap(err)
	}
	j.Status = model.TranscodeRunning
	j.StartedAt = now
	return j, nil
}

func (r *transcodeRepo) UpdateProgress(ctx context.Context, id string, progress, total, etaSeconds int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transcode_jobs SET progress = $2, total = $3, eta_seconds = $4 WHERE id = $1`,
		id, progress, total, etaSeconds)
	return trace.Wrap(err)
}

func (r *transcodeRepo) Complete(ctx context.Context, id, outputPath string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transcode_jobs SET status = 'done', output_path = $2, finished_at = $3 WHERE id = $1`,
		id, outputPath, now)
	return trace.Wrap(err)
}

func (r *transcodeRepo) Fail(ctx context.Context, id, reason string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transcode_jobs SET status = 'failed', error = $2, finished_at = $3 WHERE id = $1`,
		id, reason, now)
	return trace.Wrap(err)
}

func (r *transcodeRepo) Rush(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transcode_jobs SET priority = (SELECT COALESCE(max(priority), 0) + 1 FROM transcode_jobs)
		WHERE id = $1`, id)
	return trace.Wrap(err)
}
