package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/tenant"
)

// Recorder is the audit dependency of the ledger.
type Recorder interface {
	Record(ctx context.Context, scope tenant.Scope, ev audit.Event) (audit.Entry, error)
}

// Holdings splits a principal's unrevoked entitlements by state at one instant.
type Holdings struct {
	Active []Entitlement
	// Expired holds rows that would be active but for their expiry.
	Expired []Entitlement
}

// Ledger grants, revokes and reads entitlements.
type Ledger struct {
	store    Store
	recorder Recorder
	now      func() time.Time
}

// Option configures the Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithRecorder enables audit entries for grants and revocations.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// NewLedger constructs a ledger over the store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Grant issues or extends an entitlement. Repeating a grant converges on one
// row whose expiry is the later of the stored and requested expiries.
func (l *Ledger) Grant(ctx context.Context, scope tenant.Scope, actor string, req GrantRequest) (Entitlement, error) {
	if err := scope.Require(); err != nil {
		return Entitlement{}, err
	}
	now := l.now().UTC()
	req, err := req.Normalize(now)
	if err != nil {
		return Entitlement{}, err
	}
	e, created, err := l.store.Upsert(ctx, scope, req, now)
	if err != nil {
		return Entitlement{}, fmt.Errorf("upsert entitlement: %w", err)
	}
	if err := scope.Check(e.TenantID, "entitlement.grant"); err != nil {
		return Entitlement{}, err
	}
	meta := map[string]any{
		"principal_id": e.PrincipalID,
		"type":         string(e.Type),
		"created":      created,
	}
	if e.CourseID != "" {
		meta["course_id"] = e.CourseID
	}
	if e.ExpiresAt != nil {
		meta["expires_at"] = e.ExpiresAt.Format(time.RFC3339)
	}
	l.record(ctx, scope, actor, audit.ActionEntitlementGranted, e.ID, meta)
	return e, nil
}

// Active returns the entitlements that grant access right now.
func (l *Ledger) Active(ctx context.Context, scope tenant.Scope, principalID string) ([]Entitlement, error) {
	h, err := l.Holdings(ctx, scope, principalID)
	if err != nil {
		return nil, err
	}
	return h.Active, nil
}

// Holdings returns active and expired entitlements in a single read.
func (l *Ledger) Holdings(ctx context.Context, scope tenant.Scope, principalID string) (Holdings, error) {
	rows, err := l.list(ctx, scope, principalID, false)
	if err != nil {
		return Holdings{}, err
	}
	now := l.now().UTC()
	var h Holdings
	for _, e := range rows {
		switch {
		case e.IsActive(now):
			h.Active = append(h.Active, e)
		case e.Expired(now):
			h.Expired = append(h.Expired, e)
		}
	}
	return h, nil
}

// History returns every row of the principal including revoked ones.
func (l *Ledger) History(ctx context.Context, scope tenant.Scope, principalID string) ([]Entitlement, error) {
	return l.list(ctx, scope, principalID, true)
}

// Revoke marks the entitlement revoked. Revoking twice is a no-op.
func (l *Ledger) Revoke(ctx context.Context, scope tenant.Scope, actor, id string) (Entitlement, error) {
	if err := scope.Require(); err != nil {
		return Entitlement{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Entitlement{}, ErrNotFound
	}
	e, changed, err := l.store.Revoke(ctx, scope, id, l.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entitlement{}, err
		}
		return Entitlement{}, fmt.Errorf("revoke entitlement: %w", err)
	}
	if err := scope.Check(e.TenantID, "entitlement.revoke"); err != nil {
		return Entitlement{}, err
	}
	if changed {
		l.record(ctx, scope, actor, audit.ActionEntitlementRevoked, e.ID, map[string]any{
			"principal_id": e.PrincipalID,
			"type":         string(e.Type),
		})
	}
	return e, nil
}

func (l *Ledger) list(ctx context.Context, scope tenant.Scope, principalID string, includeRevoked bool) ([]Entitlement, error) {
	if err := scope.Require(); err != nil {
		return nil, err
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, nil
	}
	rows, err := l.store.ListByPrincipal(ctx, scope, principalID, includeRevoked)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}
	return tenant.Strip(scope, "entitlement.list", rows, func(e Entitlement) string { return e.TenantID }), nil
}

func (l *Ledger) record(ctx context.Context, scope tenant.Scope, actor string, action audit.Action, id string, meta map[string]any) {
	if l.recorder == nil {
		return
	}
	_, err := l.recorder.Record(ctx, scope, audit.Event{
		Actor:      actor,
		Action:     action,
		EntityType: "entitlement",
		EntityID:   id,
		Metadata:   meta,
	})
	if err != nil {
		obs.LogError("entitlement", "audit record failed", err, map[string]any{"tenant_id": scope.ID(), "entitlement_id": id})
	}
}
