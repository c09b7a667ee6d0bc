package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"coursekeep.org/internal/entitlement"
	"coursekeep.org/internal/ids"
	"coursekeep.org/internal/tenant"
)

var _ entitlement.Store = (*Entitlements)(nil)

// Entitlements is the Postgres entitlement store.
type Entitlements struct {
	db *sql.DB
}

// Entitlements returns the entitlement store backed by this store.
func (s *Store) Entitlements() *Entitlements { return &Entitlements{db: s.db} }

const entitlementColumns = `id, tenant_id, principal_id, type, course_id, issued_at, expires_at, status, revoked_at, updated_at`

func scanEntitlement(row interface{ Scan(...any) error }, extra ...any) (entitlement.Entitlement, error) {
	var (
		e         entitlement.Entitlement
		typ       string
		status    string
		expiresAt sql.NullTime
		revokedAt sql.NullTime
	)
	dest := append([]any{&e.ID, &e.TenantID, &e.PrincipalID, &typ, &e.CourseID, &e.IssuedAt, &expiresAt, &status, &revokedAt, &e.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return entitlement.Entitlement{}, err
	}
	e.Type = entitlement.Type(typ)
	e.Status = entitlement.Status(status)
	e.ExpiresAt = timePtr(expiresAt)
	e.RevokedAt = timePtr(revokedAt)
	e.IssuedAt = e.IssuedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// Upsert relies on the partial unique index over live rows so that
// concurrent grants converge on one row with the later expiry.
func (s *Entitlements) Upsert(ctx context.Context, scope tenant.Scope, req entitlement.GrantRequest, now time.Time) (entitlement.Entitlement, bool, error) {
	if err := scope.Require(); err != nil {
		return entitlement.Entitlement{}, false, err
	}
	var created bool
	e, err := scanEntitlement(s.db.QueryRowContext(ctx, `
		insert into entitlements (id, tenant_id, principal_id, type, course_id, issued_at, expires_at, status, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, 'ACTIVE', $6)
		on conflict (tenant_id, principal_id, type, course_id) where status = 'ACTIVE'
		do update set
			expires_at = case
				when entitlements.expires_at is null or excluded.expires_at is null then null
				else greatest(entitlements.expires_at, excluded.expires_at)
			end,
			updated_at = excluded.updated_at
		returning `+entitlementColumns+`, (xmax = 0) as created
	`, ids.At(now), scope.ID(), req.PrincipalID, string(req.Type), req.CourseID, now.UTC(), nullTime(req.ExpiresAt)), &created)
	if err != nil {
		return entitlement.Entitlement{}, false, err
	}
	if err := scope.Check(e.TenantID, "pg.entitlements.upsert"); err != nil {
		return entitlement.Entitlement{}, false, err
	}
	return e, created, nil
}

func (s *Entitlements) Get(ctx context.Context, scope tenant.Scope, id string) (entitlement.Entitlement, error) {
	if err := scope.Require(); err != nil {
		return entitlement.Entitlement{}, err
	}
	e, err := scanEntitlement(s.db.QueryRowContext(ctx, `
		select `+entitlementColumns+` from entitlements
		where tenant_id = $1 and id = $2
	`, scope.ID(), strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Entitlement{}, entitlement.ErrNotFound
	}
	return e, err
}

func (s *Entitlements) ListByPrincipal(ctx context.Context, scope tenant.Scope, principalID string, includeRevoked bool) ([]entitlement.Entitlement, error) {
	if err := scope.Require(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+entitlementColumns+` from entitlements
		where tenant_id = $1 and principal_id = $2 and ($3 or status = 'ACTIVE')
		order by issued_at, id
	`, scope.ID(), principalID, includeRevoked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entitlement.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tenant.Strip(scope, "pg.entitlements.list", out, func(e entitlement.Entitlement) string { return e.TenantID }), nil
}

func (s *Entitlements) Revoke(ctx context.Context, scope tenant.Scope, id string, at time.Time) (entitlement.Entitlement, bool, error) {
	if err := scope.Require(); err != nil {
		return entitlement.Entitlement{}, false, err
	}
	e, err := scanEntitlement(s.db.QueryRowContext(ctx, `
		update entitlements
		set status = 'REVOKED', revoked_at = $3, updated_at = $3
		where tenant_id = $1 and id = $2 and status = 'ACTIVE'
		returning `+entitlementColumns, scope.ID(), id, at.UTC()))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return entitlement.Entitlement{}, false, err
	}
	existing, err := s.Get(ctx, scope, id)
	if err != nil {
		return entitlement.Entitlement{}, false, err
	}
	return existing, false, nil
}
