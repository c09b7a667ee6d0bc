package auth

import (
	"fmt"
	"strings"
)

// Role is a principal's role inside one tenant.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// ParseRole normalises a role name.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleOwner, RoleAdmin, RoleInstructor, RoleStudent:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// Membership binds a principal to a tenant with a role.
type Membership struct {
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

// Principal is an authenticated actor and the tenants it belongs to.
type Principal struct {
	ID          string       `json:"id"`
	Email       string       `json:"email,omitempty"`
	Memberships []Membership `json:"memberships"`
}

// RoleIn returns the principal's role in the tenant.
func (p Principal) RoleIn(tenantID string) (Role, bool) {
	for _, m := range p.Memberships {
		if m.TenantID == tenantID {
			return m.Role, true
		}
	}
	return "", false
}

// IsMember reports whether the principal belongs to the tenant.
func (p Principal) IsMember(tenantID string) bool {
	_, ok := p.RoleIn(tenantID)
	return ok
}

// CanAdminister reports whether the principal is an owner or admin of the tenant.
func (p Principal) CanAdminister(tenantID string) bool {
	role, ok := p.RoleIn(tenantID)
	return ok && (role == RoleOwner || role == RoleAdmin)
}

// RequireAdmin fails with ErrForbidden unless the principal administers the tenant.
func RequireAdmin(p Principal, tenantID string) error {
	if !p.CanAdminister(tenantID) {
		return fmt.Errorf("%w: admin or owner role required", ErrForbidden)
	}
	return nil
}

func normalizeMemberships(in []Membership) ([]Membership, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]Membership, 0, len(in))
	for _, m := range in {
		tid := strings.TrimSpace(m.TenantID)
		if tid == "" {
			return nil, fmt.Errorf("%w: membership tenant is required", ErrInvalidInput)
		}
		role, err := ParseRole(string(m.Role))
		if err != nil {
			return nil, err
		}
		if _, ok := seen[tid]; ok {
			continue
		}
		seen[tid] = struct{}{}
		out = append(out, Membership{TenantID: tid, Role: role})
	}
	return out, nil
}
