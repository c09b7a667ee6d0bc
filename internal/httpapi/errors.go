package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"coursekeep.org/internal/access"
	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/entitlement"
	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/payout"
	"coursekeep.org/internal/policy"
	"coursekeep.org/internal/ratelimit"
	"coursekeep.org/internal/tenant"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, dst)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

// handleError maps domain errors onto HTTP statuses and stable codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var cross *tenant.CrossTenantError
	switch {
	case errors.As(err, &cross):
		obs.LogError("httpapi", "cross-tenant request rejected", err, map[string]any{
			"request_id": RequestIDFromContext(r),
			"offending":  cross.Offending,
		})
		writeError(w, r, http.StatusForbidden, "cross_tenant", "tenant is not accessible to this principal")
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, tenant.ErrInactive):
		writeError(w, r, http.StatusForbidden, "tenant_inactive", err.Error())
	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "tenant_not_found", err.Error())
	case errors.Is(err, entitlement.ErrNotFound), errors.Is(err, policy.ErrNotFound), errors.Is(err, payout.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ratelimit.ErrUnknownAction):
		writeError(w, r, http.StatusNotFound, "unknown_action", err.Error())
	case errors.Is(err, tenant.ErrTenantRequired),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, entitlement.ErrInvalidGrant),
		errors.Is(err, access.ErrInvalidContent),
		errors.Is(err, access.ErrPrincipalRequired),
		errors.Is(err, policy.ErrInvalidPolicy),
		errors.Is(err, payout.ErrInvalidReferral),
		errors.Is(err, payout.ErrInvalidPeriod):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, payout.ErrDuplicateTransaction), errors.Is(err, payout.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, payout.ErrNothingToBatch):
		writeError(w, r, http.StatusUnprocessableEntity, "nothing_to_batch", err.Error())
	case errors.Is(err, access.ErrDownloadsDisabled):
		writeError(w, r, http.StatusServiceUnavailable, "downloads_disabled", err.Error())
	default:
		obs.LogError("httpapi", "request failed", err, map[string]any{
			"request_id": RequestIDFromContext(r),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}
