package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode gates a protected action.
type Mode string

const (
	ModeIncludedWithAccess Mode = "INCLUDED_WITH_ACCESS"
	ModeAddon              Mode = "ADDON"
	ModeDisallow           Mode = "DISALLOW"
	ModeFree               Mode = "FREE"
)

// ParseMode normalises a mode name.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(raw))); m {
	case ModeIncludedWithAccess, ModeAddon, ModeDisallow, ModeFree:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, raw)
	}
}

// Policy is the content protection configuration of one tenant.
type Policy struct {
	TenantID          string    `json:"tenant_id"`
	ProtectContent    bool      `json:"protect_content"`
	AllowPreviews     bool      `json:"allow_previews"`
	MaxPreviewSeconds int       `json:"max_preview_seconds"`
	MaxPreviewChars   int       `json:"max_preview_chars"`
	WatermarkEnabled  bool      `json:"watermark_enabled"`
	CopyMode          Mode      `json:"copy_mode"`
	DownloadMode      Mode      `json:"download_mode"`
	UpdatedAt         time.Time `json:"updated_at"`
	UpdatedBy         string    `json:"updated_by,omitempty"`
}

// Defaults returns the policy created on first access.
func Defaults(tenantID string, now time.Time) Policy {
	return Policy{
		TenantID:          tenantID,
		ProtectContent:    true,
		AllowPreviews:     true,
		MaxPreviewSeconds: 90,
		MaxPreviewChars:   1500,
		WatermarkEnabled:  true,
		CopyMode:          ModeAddon,
		DownloadMode:      ModeAddon,
		UpdatedAt:         now,
	}
}

// Validate checks limits and modes.
func (p Policy) Validate() error {
	if p.MaxPreviewSeconds < 0 || p.MaxPreviewChars < 0 {
		return fmt.Errorf("%w: preview limits must be >= 0", ErrInvalidPolicy)
	}
	if _, err := ParseMode(string(p.CopyMode)); err != nil {
		return err
	}
	if _, err := ParseMode(string(p.DownloadMode)); err != nil {
		return err
	}
	return nil
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	ProtectContent    *bool `json:"protect_content,omitempty"`
	AllowPreviews     *bool `json:"allow_previews,omitempty"`
	MaxPreviewSeconds *int  `json:"max_preview_seconds,omitempty"`
	MaxPreviewChars   *int  `json:"max_preview_chars,omitempty"`
	WatermarkEnabled  *bool `json:"watermark_enabled,omitempty"`
	CopyMode          *Mode `json:"copy_mode,omitempty"`
	DownloadMode      *Mode `json:"download_mode,omitempty"`
}

// Apply returns p with the patch applied and the names of changed fields.
func (pt Patch) Apply(p Policy) (Policy, []string, error) {
	var changed []string
	setBool := func(name string, dst *bool, v *bool) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setInt := func(name string, dst *int, v *int) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setMode := func(name string, dst *Mode, v *Mode) error {
		if v == nil {
			return nil
		}
		m, err := ParseMode(string(*v))
		if err != nil {
			return err
		}
		if *dst != m {
			*dst = m
			changed = append(changed, name)
		}
		return nil
	}

	setBool("protect_content", &p.ProtectContent, pt.ProtectContent)
	setBool("allow_previews", &p.AllowPreviews, pt.AllowPreviews)
	setInt("max_preview_seconds", &p.MaxPreviewSeconds, pt.MaxPreviewSeconds)
	setInt("max_preview_chars", &p.MaxPreviewChars, pt.MaxPreviewChars)
	setBool("watermark_enabled", &p.WatermarkEnabled, pt.WatermarkEnabled)
	if err := setMode("copy_mode", &p.CopyMode, pt.CopyMode); err != nil {
		return Policy{}, nil, err
	}
	if err := setMode("download_mode", &p.DownloadMode, pt.DownloadMode); err != nil {
		return Policy{}, nil, err
	}
	if err := p.Validate(); err != nil {
		return Policy{}, nil, err
	}
	return p, changed, nil
}

var (
	ErrInvalidPolicy = errors.New("policy: invalid policy")
	// ErrNotFound is recovered by creating the default policy.
	ErrNotFound = errors.New("policy: not found")
)
