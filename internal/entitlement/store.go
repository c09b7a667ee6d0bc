package entitlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"coursekeep.org/internal/ids"
	"coursekeep.org/internal/tenant"
)

// Store persists entitlements.
type Store interface {
	// Upsert inserts the grant, or extends the matching non-revoked row of the
	// same principal, type and course to the later expiry. It reports whether
	// a new row was created.
	Upsert(ctx context.Context, scope tenant.Scope, req GrantRequest, now time.Time) (Entitlement, bool, error)
	Get(ctx context.Context, scope tenant.Scope, id string) (Entitlement, error)
	// ListByPrincipal returns rows ordered by issuance. Revoked rows are
	// included only when includeRevoked is set.
	ListByPrincipal(ctx context.Context, scope tenant.Scope, principalID string, includeRevoked bool) ([]Entitlement, error)
	// Revoke marks the row revoked. Revoking a revoked row returns it unchanged.
	Revoke(ctx context.Context, scope tenant.Scope, id string, at time.Time) (Entitlement, bool, error)
}

type grantKey struct {
	principal string
	typ       Type
	course    string
}

type tenantRows struct {
	byID  map[string]*Entitlement
	live  map[grantKey]string
	order []string
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu      sync.RWMutex
	tenants map[string]*tenantRows
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{tenants: make(map[string]*tenantRows)}
}

func (s *InMemory) rows(id string) *tenantRows {
	rows, ok := s.tenants[id]
	if !ok {
		rows = &tenantRows{byID: make(map[string]*Entitlement), live: make(map[grantKey]string)}
		s.tenants[id] = rows
	}
	return rows
}

func (s *InMemory) Upsert(_ context.Context, scope tenant.Scope, req GrantRequest, now time.Time) (Entitlement, bool, error) {
	if err := scope.Require(); err != nil {
		return Entitlement{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows(scope.ID())
	key := grantKey{principal: req.PrincipalID, typ: req.Type, course: req.CourseID}
	if id, ok := rows.live[key]; ok {
		e := rows.byID[id]
		e.ExpiresAt = LaterExpiry(e.ExpiresAt, req.ExpiresAt)
		e.UpdatedAt = now
		return *e, false, nil
	}

	e := &Entitlement{
		ID:          ids.At(now),
		TenantID:    scope.ID(),
		PrincipalID: req.PrincipalID,
		Type:        req.Type,
		CourseID:    req.CourseID,
		IssuedAt:    now,
		ExpiresAt:   req.ExpiresAt,
		Status:      StatusActive,
		UpdatedAt:   now,
	}
	rows.byID[e.ID] = e
	rows.live[key] = e.ID
	rows.order = append(rows.order, e.ID)
	return *e, true, nil
}

func (s *InMemory) Get(_ context.Context, scope tenant.Scope, id string) (Entitlement, error) {
	if err := scope.Require(); err != nil {
		return Entitlement{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.tenants[scope.ID()]
	if !ok {
		return Entitlement{}, ErrNotFound
	}
	e, ok := rows.byID[id]
	if !ok {
		return Entitlement{}, ErrNotFound
	}
	return *e, nil
}

func (s *InMemory) ListByPrincipal(_ context.Context, scope tenant.Scope, principalID string, includeRevoked bool) ([]Entitlement, error) {
	if err := scope.Require(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.tenants[scope.ID()]
	if !ok {
		return nil, nil
	}
	var out []Entitlement
	for _, id := range rows.order {
		e := rows.byID[id]
		if e.PrincipalID != principalID {
			continue
		}
		if e.Status == StatusRevoked && !includeRevoked {
			continue
		}
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *InMemory) Revoke(_ context.Context, scope tenant.Scope, id string, at time.Time) (Entitlement, bool, error) {
	if err := scope.Require(); err != nil {
		return Entitlement{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tenants[scope.ID()]
	if !ok {
		return Entitlement{}, false, ErrNotFound
	}
	e, ok := rows.byID[id]
	if !ok {
		return Entitlement{}, false, ErrNotFound
	}
	if e.Status == StatusRevoked {
		return *e, false, nil
	}
	revokedAt := at
	e.Status = StatusRevoked
	e.RevokedAt = &revokedAt
	e.UpdatedAt = at
	delete(rows.live, grantKey{principal: e.PrincipalID, typ: e.Type, course: e.CourseID})
	return *e, true, nil
}
