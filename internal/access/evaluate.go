package access

import (
	"coursekeep.org/internal/entitlement"
	"coursekeep.org/internal/policy"
)

type holdings struct {
	entitlement.Holdings
}

func (h holdings) hasCourse(courseID string) bool {
	for _, e := range h.Active {
		if e.GrantsCourse(courseID) {
			return true
		}
	}
	return false
}

func (h holdings) hasType(t entitlement.Type) bool {
	for _, e := range h.Active {
		if e.Type == t {
			return true
		}
	}
	return false
}

// lockReason distinguishes a lapsed entitlement from none at all.
func (h holdings) lockReason(courseID string) Reason {
	for _, e := range h.Expired {
		if e.GrantsCourse(courseID) {
			return ReasonExpired
		}
	}
	return ReasonNotEntitled
}

// evaluate is the pure access rule over loaded entitlements and policy.
func evaluate(ref ContentRef, h holdings, p policy.Policy) Decision {
	courseID := ref.CourseID()
	hasCourse := h.hasCourse(courseID)

	var d Decision
	if ref.Kind == KindDownload {
		d = evaluateDownload(courseID, hasCourse, h, p)
	} else {
		switch {
		case hasCourse:
			d = Decision{Level: LevelFull}
		case ref.IsFreePreview || (p.AllowPreviews && ref.Previewable):
			d = Decision{
				Level:   LevelPreview,
				Preview: &PreviewLimits{MaxSeconds: p.MaxPreviewSeconds, MaxChars: p.MaxPreviewChars},
			}
		default:
			d = Locked(h.lockReason(courseID))
		}
	}
	d.Protection = protection(d.Level, hasCourse, h, p)
	return d
}

func evaluateDownload(courseID string, hasCourse bool, h holdings, p policy.Policy) Decision {
	switch p.DownloadMode {
	case policy.ModeFree:
		return Decision{Level: LevelFull}
	case policy.ModeDisallow:
		return Locked(ReasonDownloadDisallowed)
	case policy.ModeIncludedWithAccess:
		if !hasCourse {
			return Locked(h.lockReason(courseID))
		}
		return Decision{Level: LevelFull}
	default:
		// ADDON: the license never substitutes for base access.
		if !hasCourse {
			return Locked(h.lockReason(courseID))
		}
		if !h.hasType(entitlement.TypeDownloadLicense) {
			return Locked(ReasonLicenseRequired)
		}
		return Decision{Level: LevelFull}
	}
}

func protection(level Level, hasCourse bool, h holdings, p policy.Policy) Protection {
	if level == LevelLocked {
		return Protection{}
	}
	out := Protection{Watermark: p.ProtectContent && p.WatermarkEnabled}
	if !p.ProtectContent {
		out.CopyAllowed = true
		return out
	}
	switch p.CopyMode {
	case policy.ModeFree:
		out.CopyAllowed = true
	case policy.ModeDisallow:
		out.CopyReason = ReasonCopyDisallowed
	case policy.ModeIncludedWithAccess:
		out.CopyAllowed = hasCourse
		if !hasCourse {
			out.CopyReason = ReasonNotEntitled
		}
	default:
		out.CopyAllowed = hasCourse && h.hasType(entitlement.TypeCopyLicense)
		if !out.CopyAllowed {
			out.CopyReason = ReasonCopyLicense
		}
	}
	return out
}
