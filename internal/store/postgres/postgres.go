// Package postgres implements internal/store's repositories against
// Postgres via database/sql and the pgx stdlib driver, grounded on the
// pgx-family wire-level usage in lib/srv/db/postgres.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/store"
)

// schema creates every table and the secondary indices spec.md §4.1
// requires: allocation(proxy_ip), stay(active, started_at),
// policy(subject, scope, active), audit(at), transcode(status, priority, created_at).
const schema = `
CREATE TABLE IF NOT EXISTS persons (
	id TEXT PRIMARY KEY,
	handle TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	email TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS source_ips (
	id TEXT PRIMARY KEY,
	person_id TEXT NOT NULL REFERENCES persons(id),
	cidr TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT true
);
CREATE INDEX IF NOT EXISTS idx_source_ips_active ON source_ips(active);

CREATE TABLE IF NOT EXISTS backends (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL,
	port INTEGER NOT NULL,
	ssh_enabled BOOLEAN NOT NULL DEFAULT false,
	rdp_enabled BOOLEAN NOT NULL DEFAULT false,
	active BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS allocations (
	proxy_ip TEXT NOT NULL,
	backend_id TEXT NOT NULL REFERENCES backends(id),
	created_at TIMESTAMPTZ NOT NULL,
	released_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_allocations_proxy_ip ON allocations(proxy_ip);

CREATE TABLE IF NOT EXISTS server_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL REFERENCES server_groups(id),
	backend_id TEXT NOT NULL REFERENCES backends(id),
	PRIMARY KEY (group_id, backend_id)
);

CREATE TABLE IF NOT EXISTS user_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT
);

CREATE TABLE IF NOT EXISTS user_group_members (
	group_id TEXT NOT NULL REFERENCES user_groups(id),
	person_id TEXT NOT NULL REFERENCES persons(id),
	PRIMARY KEY (group_id, person_id)
);

CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	subject_kind TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	scope_kind TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	protocol TEXT NOT NULL,
	ssh_logins TEXT NOT NULL DEFAULT '',
	source_ip_id TEXT,
	allow_port_forwarding BOOLEAN NOT NULL DEFAULT false,
	starts_at TIMESTAMPTZ NOT NULL,
	ends_at TIMESTAMPTZ,
	schedule_json TEXT,
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL,
	created_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_policies_subject_scope_active ON policies(subject_kind, subject_id, scope_kind, active);

CREATE TABLE IF NOT EXISTS stays (
	id TEXT PRIMARY KEY,
	person_id TEXT NOT NULL,
	policy_id TEXT NOT NULL,
	backend_id TEXT NOT NULL,
	protocol TEXT NOT NULL,
	source_ip TEXT NOT NULL,
	proxy_ip TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ends_at TIMESTAMPTZ,
	termination_reason TEXT NOT NULL DEFAULT '',
	recording_path TEXT NOT NULL DEFAULT '',
	recording_bytes BIGINT NOT NULL DEFAULT 0,
	bytes_in BIGINT NOT NULL DEFAULT 0,
	bytes_out BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_stays_active_started ON stays((ends_at IS NULL), started_at);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	stay_id TEXT NOT NULL REFERENCES stays(id),
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	kind TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audits (
	id TEXT PRIMARY KEY,
	at TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	source_ip TEXT NOT NULL DEFAULT '',
	backend_id TEXT NOT NULL DEFAULT '',
	protocol TEXT NOT NULL DEFAULT '',
	admitted BOOLEAN NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audits_at ON audits(at);

CREATE TABLE IF NOT EXISTS transcode_jobs (
	id TEXT PRIMARY KEY,
	stay_id TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	progress INTEGER NOT NULL DEFAULT 0,
	total INTEGER NOT NULL DEFAULT 0,
	eta_seconds INTEGER NOT NULL DEFAULT 0,
	output_path TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_transcode_status_priority_created ON transcode_jobs(status, priority, created_at);
`

// Open connects to Postgres via the pgx stdlib driver and applies the
// schema, matching the eager-migrate-on-boot convention lib/backend uses
// for its own embedded backends.
func Open(ctx context.Context, dbURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, trace.ConnectionProblem(err, "connecting to policy store")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "applying policy store schema")
	}
	return db, nil
}

// NewStore builds a store.Store backed by db, wiring every repository
// implementation in this package.
func NewStore(db *sql.DB) *store.Store {
	return &store.Store{
		Persons:      &personRepo{db: db},
		SourceIPs:    &sourceIPRepo{db: db},
		Backends:     &backendRepo{db: db},
		Allocations:  &allocationRepo{db: db},
		ServerGroups: &serverGroupRepo{db: db},
		UserGroups:   &userGroupRepo{db: db},
		Policies:     &policyRepo{db: db},
		Stays:        &stayRepo{db: db},
		Sessions:     &sessionRepo{db: db},
		Audits:       &auditRepo{db: db},
		Transcode:    &transcodeRepo{db: db},
	}
}
