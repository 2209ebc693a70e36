package postgres

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type personRepo struct{ db *sql.DB }

func (r *personRepo) Get(ctx context.Context, id string) (model.Person, error) {
	var p model.Person
	err := r.db.QueryRowContext(ctx,
		`SELECT id, handle, display_name, email, active FROM persons WHERE id = $1`, id,
	).Scan(&p.ID, &p.Handle, &p.DisplayName, &p.Email, &p.Active)
	if err == sql.ErrNoRows {
		return p, trace.NotFound("person %q not found", id)
	}
	if err != nil {
		return p, trace.Wrap(err)
	}
	return p, nil
}

func (r *personRepo) GetByHandle(ctx context.Context, handle string) (model.Person, error) {
	var p model.Person
	err := r.db.QueryRowContext(ctx,
		`SELECT id, handle, display_name, email, active FROM persons WHERE handle = $1`, handle,
	).Scan(&p.ID, &p.Handle, &p.DisplayName, &p.Email, &p.Active)
	if err == sql.ErrNoRows {
		return p, trace.NotFound("person %q not found", handle)
	}
	if err != nil {
		return p, trace.Wrap(err)
	}
	return p, nil
}

func (r *personRepo) Upsert(ctx context.Context, p model.Person) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO persons (id, handle, display_name, email, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			handle = EXCLUDED.handle,
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			active = EXCLUDED.active`,
		p.ID, p.Handle, p.DisplayName, p.Email, p.Active)
	return trace.Wrap(err)
}
