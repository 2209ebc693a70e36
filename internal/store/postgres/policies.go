package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type policyRepo struct{ db *sql.DB }

// scheduleJSON is the on-disk shape for model.Schedule; time.Location
// cannot round-trip through encoding/json directly.
type scheduleJSON struct {
	Location    string        `json:"location"`
	Days        []time.Weekday `json:"days"`
	StartMinute int           `json:"start_minute"`
	EndMinute   int           `json:"end_minute"`
}

func encodeSchedule(s *model.Schedule) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	loc := "UTC"
	if s.Location != nil {
		loc = s.Location.String()
	}
	b, err := json.Marshal(scheduleJSON{Location: loc, Days: s.Days, StartMinute: s.StartMinute, EndMinute: s.EndMinute})
	if err != nil {
		return sql.NullString{}, trace.Wrap(err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeSchedule(raw sql.NullString) (*model.Schedule, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var sj scheduleJSON
	if err := json.Unmarshal([]byte(raw.String), &sj); err != nil {
		return nil, trace.Wrap(err)
	}
	loc, err := time.LoadLocation(sj.Location)
	if err != nil {
		loc = time.UTC
	}
	return &model.Schedule{Location: loc, Days: sj.Days, StartMinute: sj.StartMinute, EndMinute: sj.EndMinute}, nil
}

func (r *policyRepo) scan(row *sql.Row) (model.Policy, error) {
	var p model.Policy
	var logins string
	var sourceIP, schedule sql.NullString
	var endsAt, startsAt sql.NullTime
	err := row.Scan(&p.ID, &p.SubjectKind, &p.SubjectID, &p.ScopeKind, &p.ScopeID, &p.Protocol,
		&logins, &sourceIP, &p.AllowPortForwarding, &startsAt, &endsAt, &schedule,
		&p.Active, &p.CreatedAt, &p.CreatedBy)
	if err == sql.ErrNoRows {
		return p, trace.NotFound("policy not found")
	}
	if err != nil {
		return p, trace.Wrap(err)
	}
	if logins != "" {
		p.SSHLogins = strings.Split(logins, ",")
	}
	p.SourceIPID = sourceIP.String
	if startsAt.Valid {
		p.StartsAt = startsAt.Time
	}
	if endsAt.Valid {
		p.EndsAt = endsAt.Time
	}
	sched, err := decodeSchedule(schedule)
	if err != nil {
		return p, err
	}
	p.Schedule = sched
	return p, nil
}

func (r *policyRepo) Get(ctx context.Context, id string) (model.Policy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject_kind, subject_id, scope_kind, scope_id, protocol, ssh_logins,
			source_ip_id, allow_port_forwarding, starts_at, ends_at, schedule_json,
			active, created_at, created_by
		FROM policies WHERE id = $1`, id)
	return r.scan(row)
}

// CandidatesFor returns active policies whose subject is personID or one of
// subjectGroupIDs, ordered per spec.md §4.3: (ends_at IS NULL DESC, created_at ASC).
func (r *policyRepo) CandidatesFor(ctx context.Context, personID string, subjectGroupIDs []string) ([]model.Policy, error) {
	subjects := append([]string{personID}, subjectGroupIDs...)
	placeholders := make([]string, len(subjects))
	args := make([]interface{}, len(subjects))
	for i, s := range subjects {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = s
	}
	query := `
		SELECT id, subject_kind, subject_id, scope_kind, scope_id, protocol, ssh_logins,
			source_ip_id, allow_port_forwarding, starts_at, ends_at, schedule_json,
			active, created_at, created_by
		FROM policies
		WHERE active = true AND subject_id IN (` + strings.Join(placeholders, ",") + `)
		ORDER BY (ends_at IS NULL) DESC, created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var p model.Policy
		var logins string
		var sourceIP, schedule sql.NullString
		var endsAt, startsAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.SubjectKind, &p.SubjectID, &p.ScopeKind, &p.ScopeID, &p.Protocol,
			&logins, &sourceIP, &p.AllowPortForwarding, &startsAt, &endsAt, &schedule,
			&p.Active, &p.CreatedAt, &p.CreatedBy); err != nil {
			return nil, trace.Wrap(err)
		}
		if logins != "" {
			p.SSHLogins = strings.Split(logins, ",")
		}
		p.SourceIPID = sourceIP.String
		if startsAt.Valid {
			p.StartsAt = startsAt.Time
		}
		if endsAt.Valid {
			p.EndsAt = endsAt.Time
		}
		sched, err := decodeSchedule(schedule)
		if err != nil {
			return nil, err
		}
		p.Schedule = sched
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

func (r *policyRepo) Create(ctx context.Context, p model.Policy) error {
	if p.HasEnd() && !p.EndsAt.After(p.StartsAt) {
		return trace.BadParameter("policy ends_at must be after starts_at")
	}
	schedule, err := encodeSchedule(p.Schedule)
	if err != nil {
		return err
	}
	var endsAt sql.NullTime
	if p.HasEnd() {
		endsAt = sql.NullTime{Time: p.EndsAt, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO policies (id, subject_kind, subject_id, scope_kind, scope_id, protocol,
			ssh_logins, source_ip_id, allow_port_forwarding, starts_at, ends_at, schedule_json,
			active, created_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.SubjectKind, p.SubjectID, p.ScopeKind, p.ScopeID, p.Protocol,
		strings.Join(p.SSHLogins, ","), nullString(p.SourceIPID), p.AllowPortForwarding,
		p.StartsAt, endsAt, schedule, p.Active, p.CreatedAt, p.CreatedBy)
	return trace.Wrap(err)
}

func (r *policyRepo) Revoke(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE policies SET active = false WHERE id = $1`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("policy %q not found", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
