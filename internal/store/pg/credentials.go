package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ocpihub.org/internal/credentials"
	"ocpihub.org/internal/ocpi"
)

const credentialColumns = `organization_id, token_hash, previous_token_hash, previous_expires_at,
	peer_token, peer_url, peer_endpoints, state, version, updated_at`

// CredentialStore implements credentials.Store. Swap is a conditional
// update on version.
type CredentialStore struct {
	db *sql.DB
}

var _ credentials.Store = (*CredentialStore)(nil)

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) Create(ctx context.Context, c credentials.Credential) error {
	endpoints, err := encodeEndpoints(c.PeerEndpoints)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		insert into credentials(`+credentialColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (organization_id) do nothing
	`, c.OrganizationID, nullString(c.TokenHash), nullString(c.PreviousTokenHash), nullTime(c.PreviousExpiresAt),
		c.PeerToken, c.PeerURL, endpoints, string(c.State), c.Version, c.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return credentials.ErrExists
	}
	return nil
}

func (s *CredentialStore) Get(ctx context.Context, orgID string) (credentials.Credential, error) {
	row := s.db.QueryRowContext(ctx, `select `+credentialColumns+` from credentials where organization_id=$1`, orgID)
	return scanCredential(row)
}

func (s *CredentialStore) ResolveToken(ctx context.Context, hash string) (credentials.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+credentialColumns+` from credentials
		where token_hash=$1 or previous_token_hash=$1
		limit 1
	`, hash)
	return scanCredential(row)
}

func (s *CredentialStore) Swap(ctx context.Context, expect int64, next credentials.Credential) error {
	endpoints, err := encodeEndpoints(next.PeerEndpoints)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update credentials set
			token_hash=$2, previous_token_hash=$3, previous_expires_at=$4,
			peer_token=$5, peer_url=$6, peer_endpoints=$7,
			state=$8, version=$9, updated_at=$10
		where organization_id=$1 and version=$11
	`, next.OrganizationID, nullString(next.TokenHash), nullString(next.PreviousTokenHash), nullTime(next.PreviousExpiresAt),
		next.PeerToken, next.PeerURL, endpoints, string(next.State), next.Version, next.UpdatedAt, expect)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from credentials where organization_id=$1)`, next.OrganizationID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return credentials.ErrNotFound
	}
	return credentials.ErrStale
}

func encodeEndpoints(eps []ocpi.Endpoint) (string, error) {
	if eps == nil {
		eps = []ocpi.Endpoint{}
	}
	buf, err := json.Marshal(eps)
	if err != nil {
		return "", fmt.Errorf("encode endpoints: %w", err)
	}
	return string(buf), nil
}

func scanCredential(row scanner) (credentials.Credential, error) {
	var (
		c                 credentials.Credential
		token, previous   sql.NullString
		previousExpiresAt sql.NullTime
		endpoints         []byte
		state             string
	)
	err := row.Scan(&c.OrganizationID, &token, &previous, &previousExpiresAt,
		&c.PeerToken, &c.PeerURL, &endpoints, &state, &c.Version, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.Credential{}, credentials.ErrNotFound
	}
	if err != nil {
		return credentials.Credential{}, err
	}
	c.TokenHash = token.String
	c.PreviousTokenHash = previous.String
	if previousExpiresAt.Valid {
		c.PreviousExpiresAt = previousExpiresAt.Time.UTC()
	}
	if len(endpoints) > 0 {
		if err := json.Unmarshal(endpoints, &c.PeerEndpoints); err != nil {
			return credentials.Credential{}, fmt.Errorf("decode endpoints: %w", err)
		}
		if len(c.PeerEndpoints) == 0 {
			c.PeerEndpoints = nil
		}
	}
	c.State = credentials.State(state)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}
