package postgres

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type serverGroupRepo struct{ db *sql.DB }

func (r *serverGroupRepo) Get(ctx context.Context, id string) (model.ServerGroup, error) {
	var g model.ServerGroup
	var parent sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id FROM server_groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &parent)
	if err == sql.ErrNoRows {
		return g, trace.NotFound("server group %q not found", id)
	}
	if err != nil {
		return g, trace.Wrap(err)
	}
	g.ParentID = parent.String
	return g, nil
}

func (r *serverGroupRepo) Parent(ctx context.Context, id string) (string, error) {
	var parent sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT parent_id FROM server_groups WHERE id = $1`, id).Scan(&parent)
	if err == sql.ErrNoRows {
		return "", trace.NotFound("server group %q not found", id)
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return parent.String, nil
}

func (r *serverGroupRepo) Children(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM server_groups WHERE parent_id = $1`, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, childID)
	}
	return out, trace.Wrap(rows.Err())
}

func (r *serverGroupRepo) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT backend_id FROM group_members WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, id)
	}
	return out, trace.Wrap(rows.Err())
}

func (r *serverGroupRepo) GroupsContainingBackend(ctx context.Context, backendID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT group_id FROM group_members WHERE backend_id = $1`, backendID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, id)
	}
	return out, trace.Wrap(rows.Err())
}

func (r *serverGroupRepo) SetParent(ctx context.Context, id, parentID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE server_groups SET parent_id = NULLIF($2, '') WHERE id = $1`, id, parentID)
	return trace.Wrap(err)
}

type userGroupRepo struct{ db *sql.DB }

func (r *userGroupRepo) Get(ctx context.Context, id string) (model.UserGroup, error) {
	var g model.UserGroup
	var parent sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id FROM user_groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &parent)
	if err == sql.ErrNoRows {
		return g, trace.NotFound("user group %q not found", id)
	}
	if err != nil {
		return g, trace.Wrap(err)
	}
	g.ParentID = parent.String
	return g, nil
}

func (r *userGroupRepo) Parent(ctx context.Context, id string) (string, error) {
	var parent sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT parent_id FROM user_groups WHERE id = $1`, id).Scan(&parent)
	if err == sql.ErrNoRows {
		return "", trace.NotFound("user group %q not found", id)
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return parent.String, nil
}

func (r *userGroupRepo) Children(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM user_groups WHERE parent_id = $1`, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, childID)
	}
	return out, trace.Wrap(rows.Err())
}

func (r *userGroupRepo) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT person_id FROM user_group_members WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, id)
	}
	return out, trace.Wrap(rows.Err())
}

func (r *userGroupRepo) GroupsContainingPerson(ctx context.Context, personID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT group_id FROM user_group_members WHERE person_id = $1`, personID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, id)
	}
	return out, trace.Wrap(rows.Err())
}

func (r *userGroupRepo) SetParent(ctx context.Context, id, parentID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_groups SET parent_id = NULLIF($2, '') WHERE id = $1`, id, parentID)
	return trace.Wrap(err)
}
