package tenant

import (
	"errors"
	"fmt"
	"strings"

	"coursekeep.org/internal/obs"
)

var (
	// ErrTenantRequired is returned when an operation is attempted without a tenant.
	ErrTenantRequired = errors.New("tenant: tenant id is required")
	ErrNotFound       = errors.New("tenant: not found")
	ErrInactive       = errors.New("tenant: inactive")
	ErrAlreadyExists  = errors.New("tenant: already exists")
)

// CrossTenantError reports data that names a tenant other than the bound scope.
type CrossTenantError struct {
	Bound     string
	Offending string
	Op        string
}

func (e *CrossTenantError) Error() string {
	return fmt.Sprintf("tenant: cross-tenant access in %s: bound=%s offending=%s", e.Op, e.Bound, e.Offending)
}

// Scope is a validated, non-empty tenant binding. The zero value is unbound and
// is rejected by every store.
type Scope struct {
	id string
}

// Bind creates a scope for the tenant id.
func Bind(id string) (Scope, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Scope{}, ErrTenantRequired
	}
	return Scope{id: id}, nil
}

// MustBind is Bind for constant ids in tests and seeds.
func MustBind(id string) Scope {
	s, err := Bind(id)
	if err != nil {
		panic(err)
	}
	return s
}

// ID returns the bound tenant id.
func (s Scope) ID() string { return s.id }

// Valid reports whether the scope is bound.
func (s Scope) Valid() bool { return s.id != "" }

// Require returns ErrTenantRequired for an unbound scope.
func (s Scope) Require() error {
	if s.id == "" {
		return ErrTenantRequired
	}
	return nil
}

// Stamp sets an empty tenant id to the scope tenant. A payload naming a
// different tenant is rejected.
func (s Scope) Stamp(field *string, op string) error {
	if err := s.Require(); err != nil {
		return err
	}
	current := strings.TrimSpace(*field)
	if current != "" && current != s.id {
		return &CrossTenantError{Bound: s.id, Offending: current, Op: op}
	}
	*field = s.id
	return nil
}

// Check validates that a loaded row belongs to the scope tenant.
func (s Scope) Check(tenantID, op string) error {
	if err := s.Require(); err != nil {
		return err
	}
	if tenantID != s.id {
		return &CrossTenantError{Bound: s.id, Offending: tenantID, Op: op}
	}
	return nil
}

// Strip drops rows that belong to another tenant and logs the violation.
func Strip[T any](s Scope, op string, rows []T, tenantOf func(T) string) []T {
	out := rows[:0:0]
	dropped := 0
	for _, row := range rows {
		if tenantOf(row) == s.id {
			out = append(out, row)
			continue
		}
		dropped++
	}
	if dropped > 0 {
		obs.LogError("tenant", "foreign rows stripped", nil, map[string]any{
			"tenant_id": s.id,
			"op":        op,
			"dropped":   dropped,
		})
	}
	return out
}
