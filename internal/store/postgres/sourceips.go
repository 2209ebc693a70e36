package postgres

import (
	"context"
	"database/sql"
	"net"

	"github.com/gravitational/trace"
	"github.com/pawelmojski/portcullis/internal/model"
)

type sourceIPRepo struct{ db *sql.DB }

// Resolve implements spec.md §4.3 step 1: exact match first, else
// longest-prefix CIDR match, against active SourceIP rows only.
func (r *sourceIPRepo) Resolve(ctx context.Context, addr string) (model.SourceIP, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, person_id, cidr, label, active FROM source_ips WHERE active = true`)
	if err != nil {
		return model.SourceIP{}, trace.Wrap(err)
	}
	defer rows.Close()

	ip := net.ParseIP(addr)
	if ip == nil {
		return model.SourceIP{}, trace.BadParameter("invalid source address %q", addr)
	}

	var best model.SourceIP
	bestOnes := -1
	var exact *model.SourceIP
	for rows.Next() {
		var s model.SourceIP
		if err := rows.Scan(&s.ID, &s.PersonID, &s.CIDR, &s.Label, &s.Active); err != nil {
			return model.SourceIP{}, trace.Wrap(err)
		}
		if s.CIDR == addr || s.CIDR == addr+"/32" {
			cp := s
			exact = &cp
			continue
		}
		_, ipnet, err := net.ParseCIDR(s.CIDR)
		if err != nil {
			continue
		}
		if !ipnet.Contains(ip) {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		if ones > bestOnes {
			bestOnes = ones
			best = s
		}
	}
	if err := rows.Err(); err != nil {
		return model.SourceIP{}, trace.Wrap(err)
	}
	if exact != nil {
		return *exact, nil
	}
	if bestOnes >= 0 {
		return best, nil
	}
	return model.SourceIP{}, trace.NotFound("no active source IP matches %q", addr)
}

func (r *sourceIPRepo) Upsert(ctx context.Context, s model.SourceIP) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO source_ips (id, person_id, cidr, label, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			person_id = EXCLUDED.person_id,
			cidr = EXCLUDED.cidr,
			label = EXCLUDED.label,
			active = EXCLUDED.active`,
		s.ID, s.PersonID, s.CIDR, s.Label, s.Active)
	return trace.Wrap(err)
}
