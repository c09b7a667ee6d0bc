package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"coursekeep.org/internal/tenant"
)

var _ tenant.Directory = (*Tenants)(nil)

// Tenants is the Postgres tenant directory.
type Tenants struct {
	db *sql.DB
}

// Tenants returns the tenant directory backed by this store.
func (s *Store) Tenants() *Tenants { return &Tenants{db: s.db} }

const tenantColumns = `id, name, status, public, created_at`

func scanTenant(row interface{ Scan(...any) error }) (tenant.Tenant, error) {
	var t tenant.Tenant
	var status string
	if err := row.Scan(&t.ID, &t.Name, &status, &t.Public, &t.CreatedAt); err != nil {
		return tenant.Tenant{}, err
	}
	t.Status = tenant.Status(status)
	return t, nil
}

func (s *Tenants) Create(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	if s.db == nil {
		return tenant.Tenant{}, errNoDB
	}
	t, err := tenant.Normalize(t)
	if err != nil {
		return tenant.Tenant{}, err
	}
	created, err := scanTenant(s.db.QueryRowContext(ctx, `
		insert into tenants (id, name, status, public)
		values ($1, $2, $3, $4)
		returning `+tenantColumns, t.ID, t.Name, string(t.Status), t.Public))
	if err != nil {
		if isUniqueViolation(err) {
			return tenant.Tenant{}, fmt.Errorf("%w: %s", tenant.ErrAlreadyExists, t.ID)
		}
		return tenant.Tenant{}, err
	}
	return created, nil
}

func (s *Tenants) Get(ctx context.Context, id string) (tenant.Tenant, error) {
	if s.db == nil {
		return tenant.Tenant{}, errNoDB
	}
	t, err := scanTenant(s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1`, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, err
}

func (s *Tenants) SetStatus(ctx context.Context, id string, status tenant.Status) (tenant.Tenant, error) {
	if s.db == nil {
		return tenant.Tenant{}, errNoDB
	}
	if status != tenant.StatusActive && status != tenant.StatusInactive {
		return tenant.Tenant{}, fmt.Errorf("tenant: unknown status %q", status)
	}
	t, err := scanTenant(s.db.QueryRowContext(ctx, `
		update tenants set status = $2 where id = $1
		returning `+tenantColumns, strings.TrimSpace(id), string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, err
}

func (s *Tenants) List(ctx context.Context) ([]tenant.Tenant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+tenantColumns+` from tenants order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
