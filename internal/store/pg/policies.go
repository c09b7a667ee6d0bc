package pg

import (
	"context"
	"database/sql"
	"errors"

	"coursekeep.org/internal/policy"
	"coursekeep.org/internal/tenant"
)

var _ policy.Store = (*Policies)(nil)

// Policies is the Postgres content protection policy store.
type Policies struct {
	db *sql.DB
}

// Policies returns the policy store backed by this store.
func (s *Store) Policies() *Policies { return &Policies{db: s.db} }

const policyColumns = `tenant_id, protect_content, allow_previews, max_preview_seconds, max_preview_chars,
	watermark_enabled, copy_mode, download_mode, updated_at, updated_by`

func scanPolicy(row interface{ Scan(...any) error }) (policy.Policy, error) {
	var (
		p            policy.Policy
		copyMode     string
		downloadMode string
	)
	err := row.Scan(&p.TenantID, &p.ProtectContent, &p.AllowPreviews, &p.MaxPreviewSeconds, &p.MaxPreviewChars,
		&p.WatermarkEnabled, &copyMode, &downloadMode, &p.UpdatedAt, &p.UpdatedBy)
	if err != nil {
		return policy.Policy{}, err
	}
	p.CopyMode = policy.Mode(copyMode)
	p.DownloadMode = policy.Mode(downloadMode)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func policyArgs(p policy.Policy) []any {
	return []any{p.TenantID, p.ProtectContent, p.AllowPreviews, p.MaxPreviewSeconds, p.MaxPreviewChars,
		p.WatermarkEnabled, string(p.CopyMode), string(p.DownloadMode), p.UpdatedAt.UTC(), p.UpdatedBy}
}

func (s *Policies) Get(ctx context.Context, scope tenant.Scope) (policy.Policy, error) {
	if err := scope.Require(); err != nil {
		return policy.Policy{}, err
	}
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `
		select `+policyColumns+` from content_protection_policies where tenant_id = $1
	`, scope.ID()))
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Policy{}, policy.ErrNotFound
	}
	return p, err
}

func (s *Policies) InsertIfAbsent(ctx context.Context, scope tenant.Scope, p policy.Policy) (policy.Policy, bool, error) {
	if err := scope.Stamp(&p.TenantID, "pg.policies.insert"); err != nil {
		return policy.Policy{}, false, err
	}
	stored, err := scanPolicy(s.db.QueryRowContext(ctx, `
		insert into content_protection_policies (`+policyColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (tenant_id) do nothing
		returning `+policyColumns, policyArgs(p)...))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return policy.Policy{}, false, err
	}
	existing, err := s.Get(ctx, scope)
	if err != nil {
		return policy.Policy{}, false, err
	}
	return existing, false, nil
}

// Update locks the tenant row for the duration of fn.
func (s *Policies) Update(ctx context.Context, scope tenant.Scope, fn policy.UpdateFunc) (out policy.Policy, err error) {
	if err := scope.Require(); err != nil {
		return policy.Policy{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return policy.Policy{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := scanPolicy(tx.QueryRowContext(ctx, `
		select `+policyColumns+` from content_protection_policies where tenant_id = $1 for update
	`, scope.ID()))
	if errors.Is(err, sql.ErrNoRows) {
		err = policy.ErrNotFound
		return policy.Policy{}, err
	}
	if err != nil {
		return policy.Policy{}, err
	}
	if err = scope.Check(current.TenantID, "pg.policies.update"); err != nil {
		return policy.Policy{}, err
	}

	next, write, err := fn(current)
	if err != nil {
		return policy.Policy{}, err
	}
	out = current
	if write {
		if err = scope.Stamp(&next.TenantID, "pg.policies.update"); err != nil {
			return policy.Policy{}, err
		}
		out, err = scanPolicy(tx.QueryRowContext(ctx, `
			update content_protection_policies set
				protect_content = $2,
				allow_previews = $3,
				max_preview_seconds = $4,
				max_preview_chars = $5,
				watermark_enabled = $6,
				copy_mode = $7,
				download_mode = $8,
				updated_at = $9,
				updated_by = $10
			where tenant_id = $1
			returning `+policyColumns, policyArgs(next)...))
		if err != nil {
			return policy.Policy{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return policy.Policy{}, err
	}
	return out, nil
}
