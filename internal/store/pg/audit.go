package pg

import (
	"context"
	"database/sql"
	"strings"

	"ocpihub.org/internal/audit"
)

// AuditStore persists credential transitions in credential_audit.
type AuditStore struct {
	db *sql.DB
}

var (
	_ audit.Sink   = (*AuditStore)(nil)
	_ audit.Reader = (*AuditStore)(nil)
)

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Append(ctx context.Context, rec audit.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into credential_audit(id, organization_id, from_state, to_state, at, request_id)
		values ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.OrganizationID, rec.FromState, rec.ToState, rec.Timestamp, rec.RequestID)
	return err
}

func (s *AuditStore) List(ctx context.Context, organizationID string, limit int) ([]audit.Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, from_state, to_state, at, request_id
		from credential_audit
		where ($1 = '' or organization_id = $1)
		order by at asc, id asc
		limit $2
	`, strings.TrimSpace(organizationID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &rec.FromState, &rec.ToState, &rec.Timestamp, &rec.RequestID); err != nil {
			return nil, err
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
