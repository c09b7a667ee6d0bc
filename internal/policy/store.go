package policy

import (
	"context"
	"sync"

	"coursekeep.org/internal/tenant"
)

// Store persists one policy row per tenant.
type Store interface {
	Get(ctx context.Context, scope tenant.Scope) (Policy, error)
	// InsertIfAbsent stores p unless a row exists, and returns the stored row
	// and whether it was created by this call.
	InsertIfAbsent(ctx context.Context, scope tenant.Scope, p Policy) (Policy, bool, error)
	// Update runs fn on the stored row while holding it exclusively and writes
	// the result. A missing row is ErrNotFound.
	Update(ctx context.Context, scope tenant.Scope, fn UpdateFunc) (Policy, error)
}

// UpdateFunc derives the next row from the current one. write=false leaves the
// row untouched.
type UpdateFunc func(current Policy) (next Policy, write bool, err error)

// InMemory implements Store.
type InMemory struct {
	mu   sync.RWMutex
	rows map[string]Policy
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{rows: make(map[string]Policy)}
}

func (s *InMemory) Get(_ context.Context, scope tenant.Scope) (Policy, error) {
	if err := scope.Require(); err != nil {
		return Policy{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[scope.ID()]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemory) InsertIfAbsent(_ context.Context, scope tenant.Scope, p Policy) (Policy, bool, error) {
	if err := scope.Stamp(&p.TenantID, "policy.insert"); err != nil {
		return Policy{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[scope.ID()]; ok {
		return existing, false, nil
	}
	s.rows[scope.ID()] = p
	return p, true, nil
}

func (s *InMemory) Update(_ context.Context, scope tenant.Scope, fn UpdateFunc) (Policy, error) {
	if err := scope.Require(); err != nil {
		return Policy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[scope.ID()]
	if !ok {
		return Policy{}, ErrNotFound
	}
	next, write, err := fn(current)
	if err != nil {
		return Policy{}, err
	}
	if !write {
		return current, nil
	}
	if err := scope.Stamp(&next.TenantID, "policy.update"); err != nil {
		return Policy{}, err
	}
	s.rows[scope.ID()] = next
	return next, nil
}
