package httpapi

import (
	"net/http"
	"strings"
	"time"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/auth"
)

type tokenRequest struct {
	PrincipalID string            `json:"principal_id"`
	Email       string            `json:"email"`
	Memberships []auth.Membership `json:"memberships"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues development tokens. It is only routed when enabled.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.deps.Tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "auth_unavailable", "authentication is not configured")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	principalID := strings.TrimSpace(req.PrincipalID)
	if principalID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "principal_id is required")
		return
	}
	if len(req.Memberships) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "memberships are required")
		return
	}

	token, expiresAt, err := a.deps.Tokens.GenerateToken(auth.Principal{
		ID:          principalID,
		Email:       req.Email,
		Memberships: req.Memberships,
	}, a.tokenTTL)
	if err != nil {
		handleError(w, r, err)
		return
	}

	tenants := make([]string, 0, len(req.Memberships))
	for _, m := range req.Memberships {
		tenants = append(tenants, m.TenantID)
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"principal_id": principalID,
		"tenants":      tenants,
		"expires_at":   expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
