package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ocpihub.org/internal/party"
)

const organizationColumns = `id, name, website, country_code, party_id, role, status, created_at, updated_at`

// OrganizationStore implements party.Store. The unique constraint on
// (country_code, party_id, role) makes Insert an atomic insert-if-absent.
type OrganizationStore struct {
	db *sql.DB
}

var _ party.Store = (*OrganizationStore)(nil)

func NewOrganizationStore(db *sql.DB) *OrganizationStore {
	return &OrganizationStore{db: db}
}

func (s *OrganizationStore) Insert(ctx context.Context, org party.Organization) error {
	_, err := s.db.ExecContext(ctx, `
		insert into organizations(`+organizationColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, org.ID, org.Name, org.Website, org.CountryCode, org.PartyID, string(org.Role), string(org.Status),
		org.CreatedAt, org.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", party.ErrConflict, org.Tuple())
	}
	return err
}

func (s *OrganizationStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from organizations where id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return party.ErrNotFound
	}
	return nil
}

// DeleteOrphans removes PENDING organizations created before cutoff that
// never received a credential row. A process that stops between reserving
// the tuple and bootstrapping TOKEN_A leaves such rows behind, and they keep
// the tuple reserved until swept.
func (s *OrganizationStore) DeleteOrphans(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		delete from organizations o
		where o.status=$1 and o.created_at < $2
		  and not exists (select 1 from credentials c where c.organization_id = o.id)
		returning o.id
	`, string(party.StatusPending), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *OrganizationStore) Get(ctx context.Context, id string) (party.Organization, error) {
	row := s.db.QueryRowContext(ctx, `select `+organizationColumns+` from organizations where id=$1`, id)
	return scanOrganization(row)
}

func (s *OrganizationStore) FindByTuple(ctx context.Context, t party.Tuple) (party.Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+organizationColumns+` from organizations
		where country_code=$1 and party_id=$2 and role=$3
	`, t.CountryCode, t.PartyID, string(t.Role))
	return scanOrganization(row)
}

func (s *OrganizationStore) List(ctx context.Context, f party.Filter) ([]party.Organization, error) {
	var (
		where []string
		args  []any
	)
	add := func(col string, v string) {
		args = append(args, v)
		where = append(where, col+"=$"+strconv.Itoa(len(args)))
	}
	if f.Role != "" {
		add("role", string(f.Role))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.CountryCode != "" {
		add("country_code", f.CountryCode)
	}
	q := `select ` + organizationColumns + ` from organizations`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	q += ` order by created_at asc, id asc`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []party.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (s *OrganizationStore) UpdateStatus(ctx context.Context, id string, from []party.Status, to party.Status, at time.Time) (party.Organization, error) {
	args := []any{id, string(to), at}
	placeholders := make([]string, len(from))
	for i, st := range from {
		args = append(args, string(st))
		placeholders[i] = "$" + strconv.Itoa(len(args))
	}
	row := s.db.QueryRowContext(ctx, `
		update organizations set status=$2, updated_at=$3
		where id=$1 and status in (`+strings.Join(placeholders, ",")+`)
		returning `+organizationColumns, args...)
	org, err := scanOrganization(row)
	if !errors.Is(err, party.ErrNotFound) {
		return org, err
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return party.Organization{}, err
	}
	return party.Organization{}, fmt.Errorf("%w: %s -> %s", party.ErrInvalidTransition, cur.Status, to)
}

func (s *OrganizationStore) CountByRole(ctx context.Context) (map[party.Role]int, error) {
	rows, err := s.db.QueryContext(ctx, `select role, count(*) from organizations group by role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[party.Role]int, len(party.Roles))
	for _, r := range party.Roles {
		counts[r] = 0
	}
	for rows.Next() {
		var (
			role string
			n    int
		)
		if err := rows.Scan(&role, &n); err != nil {
			return nil, err
		}
		counts[party.Role(role)] = n
	}
	return counts, rows.Err()
}

func scanOrganization(row scanner) (party.Organization, error) {
	var (
		org          party.Organization
		role, status string
	)
	err := row.Scan(&org.ID, &org.Name, &org.Website, &org.CountryCode, &org.PartyID, &role, &status,
		&org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return party.Organization{}, party.ErrNotFound
	}
	if err != nil {
		return party.Organization{}, err
	}
	org.Role = party.Role(role)
	org.Status = party.Status(status)
	org.CreatedAt = org.CreatedAt.UTC()
	org.UpdatedAt = org.UpdatedAt.UTC()
	return org, nil
}
