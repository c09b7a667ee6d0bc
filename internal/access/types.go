package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coursekeep.org/internal/ratelimit"
	"coursekeep.org/internal/tenant"
)

// Kind of content being accessed.
type Kind string

const (
	KindCourse   Kind = "course"
	KindLesson   Kind = "lesson"
	KindDownload Kind = "download"
)

// ContentRef names a content item. Lessons and downloads belong to a course.
type ContentRef struct {
	Kind           Kind   `json:"kind"`
	ID             string `json:"id"`
	ParentCourseID string `json:"parent_course_id,omitempty"`
	IsFreePreview  bool   `json:"is_free_preview"`
	// Previewable marks content that may be previewed when the tenant allows previews.
	Previewable bool `json:"previewable"`
}

// CourseID returns the course whose entitlement unlocks the content.
func (c ContentRef) CourseID() string {
	if c.Kind == KindCourse {
		return c.ID
	}
	return c.ParentCourseID
}

// Normalize validates the reference.
func (c ContentRef) Normalize() (ContentRef, error) {
	c.Kind = Kind(strings.ToLower(strings.TrimSpace(string(c.Kind))))
	c.ID = strings.TrimSpace(c.ID)
	c.ParentCourseID = strings.TrimSpace(c.ParentCourseID)
	switch c.Kind {
	case KindCourse, KindLesson, KindDownload:
	default:
		return ContentRef{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidContent, c.Kind)
	}
	if c.ID == "" {
		return ContentRef{}, fmt.Errorf("%w: id is required", ErrInvalidContent)
	}
	return c, nil
}

// Level of access granted.
type Level string

const (
	LevelFull    Level = "FULL"
	LevelPreview Level = "PREVIEW"
	LevelLocked  Level = "LOCKED"
)

// Reason explains a locked or restricted outcome.
type Reason string

const (
	ReasonNotEntitled        Reason = "not_entitled"
	ReasonExpired            Reason = "expired"
	ReasonLicenseRequired    Reason = "license_required"
	ReasonDownloadDisallowed Reason = "download_disallowed"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonAuditUnavailable   Reason = "audit_unavailable"
	ReasonCopyLicense        Reason = "copy_license_required"
	ReasonCopyDisallowed     Reason = "copy_disallowed"
)

// PreviewLimits bound unentitled access.
type PreviewLimits struct {
	MaxSeconds int `json:"max_seconds"`
	MaxChars   int `json:"max_chars"`
}

// Protection tells the presentation layer how to render accessible content.
type Protection struct {
	Watermark   bool   `json:"watermark"`
	CopyAllowed bool   `json:"copy_allowed"`
	CopyReason  Reason `json:"copy_reason,omitempty"`
}

// Decision is the result of resolving access. Preview is set only for
// PREVIEW; Reasons is never empty for LOCKED.
type Decision struct {
	Level      Level          `json:"level"`
	Preview    *PreviewLimits `json:"preview,omitempty"`
	Reasons    []Reason       `json:"reasons,omitempty"`
	Protection Protection     `json:"protection"`
}

// Locked builds a LOCKED decision.
func Locked(reasons ...Reason) Decision {
	return Decision{Level: LevelLocked, Reasons: reasons}
}

// DownloadDecision extends Decision with the issued URL.
type DownloadDecision struct {
	Decision
	URL          string              `json:"url,omitempty"`
	URLExpiresAt *time.Time          `json:"url_expires_at,omitempty"`
	RateLimit    *ratelimit.Decision `json:"rate_limit,omitempty"`
}

// URLIssuer mints short-lived content references.
type URLIssuer interface {
	IssueURL(ctx context.Context, scope tenant.Scope, principalID, contentID string, ttl time.Duration) (string, time.Time, error)
}

var ErrInvalidContent = errors.New("access: invalid content reference")
