package postgres

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type backendRepo struct{ db *sql.DB }

func (r *backendRepo) Get(ctx context.Context, id string) (model.Backend, error) {
	var b model.Backend
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, address, port, ssh_enabled, rdp_enabled, active FROM backends WHERE id = $1`, id,
	).Scan(&b.ID, &b.Name, &b.Address, &b.Port, &b.SSHEnabled, &b.RDPEnabled, &b.Active)
	if err == sql.ErrNoRows {
		return b, trace.NotFound("backend %q not found", id)
	}
	if err != nil {
		return b, trace.Wrap(err)
	}
	return b, nil
}

func (r *backendRepo) Upsert(ctx context.Context, b model.Backend) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backends (id, name, address, port, ssh_enabled, rdp_enabled, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			port = EXCLUDED.port,
			ssh_enabled = EXCLUDED.ssh_enabled,
			rdp_enabled = EXCLUDED.rdp_enabled,
			active = EXCLUDED.active`,
		b.ID, b.Name, b.Address, b.Port, b.SSHEnabled, b.RDPEnabled, b.Active)
	return trace.Wrap(err)
}
