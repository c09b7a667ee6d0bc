package entitlement

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type of entitlement.
type Type string

const (
	TypeCourse          Type = "COURSE"
	TypeAllCourses      Type = "ALL_COURSES"
	TypeDownloadLicense Type = "DOWNLOAD_LICENSE"
	TypeCopyLicense     Type = "COPY_LICENSE"
	// Bundle and subscription rows record the commercial grant. Course access
	// comes from the COURSE or ALL_COURSES rows issued alongside them.
	TypeBundle       Type = "BUNDLE"
	TypeSubscription Type = "SUBSCRIPTION"
)

// ParseType normalises an entitlement type name.
func ParseType(raw string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(raw))); t {
	case TypeCourse, TypeAllCourses, TypeDownloadLicense, TypeCopyLicense, TypeBundle, TypeSubscription:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidGrant, raw)
	}
}

// Status of an entitlement row.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
)

// Entitlement is a right held by a principal within one tenant. Rows are
// never deleted; revocation is a status change.
type Entitlement struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	PrincipalID string     `json:"principal_id"`
	Type        Type       `json:"type"`
	CourseID    string     `json:"course_id,omitempty"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Status      Status     `json:"status"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsActive reports whether the entitlement grants access at now.
func (e Entitlement) IsActive(now time.Time) bool {
	if e.Status != StatusActive {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// Expired reports whether the entitlement is unrevoked but past its expiry.
func (e Entitlement) Expired(now time.Time) bool {
	return e.Status == StatusActive && e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// GrantsCourse reports whether the entitlement type covers the course,
// ignoring time and status.
func (e Entitlement) GrantsCourse(courseID string) bool {
	switch e.Type {
	case TypeAllCourses:
		return true
	case TypeCourse:
		return courseID != "" && e.CourseID == courseID
	default:
		return false
	}
}

// GrantRequest describes a new or repeated grant.
type GrantRequest struct {
	PrincipalID string     `json:"principal_id"`
	Type        Type       `json:"type"`
	CourseID    string     `json:"course_id,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Normalize validates the request against issuance time now.
func (r GrantRequest) Normalize(now time.Time) (GrantRequest, error) {
	r.PrincipalID = strings.TrimSpace(r.PrincipalID)
	r.CourseID = strings.TrimSpace(r.CourseID)
	if r.PrincipalID == "" {
		return GrantRequest{}, fmt.Errorf("%w: principal_id is required", ErrInvalidGrant)
	}
	t, err := ParseType(string(r.Type))
	if err != nil {
		return GrantRequest{}, err
	}
	r.Type = t
	switch {
	case r.Type == TypeCourse && r.CourseID == "":
		return GrantRequest{}, fmt.Errorf("%w: course_id is required for COURSE", ErrInvalidGrant)
	case r.Type != TypeCourse && r.CourseID != "":
		return GrantRequest{}, fmt.Errorf("%w: course_id is only valid for COURSE", ErrInvalidGrant)
	}
	if r.ExpiresAt != nil {
		exp := r.ExpiresAt.UTC()
		if !exp.After(now) {
			return GrantRequest{}, fmt.Errorf("%w: expires_at must be after issuance", ErrInvalidGrant)
		}
		r.ExpiresAt = &exp
	}
	return r, nil
}

// LaterExpiry merges two expiries; nil means unbounded and wins.
func LaterExpiry(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if a.After(*b) {
		v := *a
		return &v
	}
	v := *b
	return &v
}

var (
	// ErrInvalidGrant rejects a grant before any state change.
	ErrInvalidGrant = errors.New("entitlement: invalid grant")
	ErrNotFound     = errors.New("entitlement: not found")
)
