package httpapi

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"coursekeep.org/internal/access"
	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/ratelimit"
)

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	var ref access.ContentRef
	if err := decodeJSON(w, r, &ref); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	d, err := a.deps.Resolver.Resolve(r.Context(), scopeFrom(r), principalFrom(r).ID, ref)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDownload answers 200 with a URL, 429 when rate limited and 403 for
// any other block. The decision body is returned in every case.
func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	var ref access.ContentRef
	if err := decodeJSON(w, r, &ref); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	dd, err := a.deps.Resolver.Download(r.Context(), scopeFrom(r), principalFrom(r).ID, ref)
	if err != nil {
		handleError(w, r, err)
		return
	}
	switch {
	case dd.URL != "":
		writeJSON(w, http.StatusOK, dd)
	case slices.Contains(dd.Reasons, access.ReasonRateLimited):
		if dd.RateLimit != nil {
			setRetryAfter(w, dd.RateLimit.RetryAfter)
		}
		writeJSON(w, http.StatusTooManyRequests, dd)
	case slices.Contains(dd.Reasons, access.ReasonAuditUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, dd)
	default:
		writeJSON(w, http.StatusForbidden, dd)
	}
}

// handleConsume answers 429 on denial and records the denial as DOWNLOAD_BLOCKED.
func (a *API) handleConsume(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	principalID := principalFrom(r).ID
	d, err := a.deps.Limiter.CheckAndConsume(r.Context(), scopeFrom(r), principalID, action)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !d.Allowed {
		a.recordRateLimited(r, principalID, action, d)
	}
	resp := rateLimitResponse{
		Allowed:     d.Allowed,
		Limit:       d.Limit,
		Remaining:   d.Remaining,
		Count:       d.Count,
		WindowStart: d.WindowStart.Format(timeLayout),
	}
	if !d.Allowed {
		resp.RetryAfterMS = d.RetryAfter.Milliseconds()
		setRetryAfter(w, d.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type rateLimitResponse struct {
	Allowed      bool   `json:"allowed"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	Count        int    `json:"count"`
	WindowStart  string `json:"window_start"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// recordRateLimited is best effort: a failed write is logged and the 429 stands.
func (a *API) recordRateLimited(r *http.Request, principalID, action string, d ratelimit.Decision) {
	if a.deps.Audit == nil {
		return
	}
	_, err := a.deps.Audit.Record(r.Context(), scopeFrom(r), audit.Event{
		Actor:      principalID,
		Action:     audit.ActionDownloadBlocked,
		EntityType: "ratelimit",
		EntityID:   action,
		Metadata: map[string]any{
			"principal_id": principalID,
			"action":       action,
			"reasons":      []string{string(access.ReasonRateLimited)},
			"count":        d.Count,
			"limit":        d.Limit,
		},
	})
	if err != nil {
		obs.LogError("httpapi", "rate limit audit failed", err, map[string]any{
			"tenant_id":  scopeFrom(r).ID(),
			"action":     action,
			"request_id": RequestIDFromContext(r),
		})
	}
}
