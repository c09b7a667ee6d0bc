package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/entitlement"
	"coursekeep.org/internal/payout"
)

const timeLayout = time.RFC3339Nano

type holdingsResponse struct {
	PrincipalID string                    `json:"principal_id"`
	Active      []entitlement.Entitlement `json:"active"`
	Expired     []entitlement.Entitlement `json:"expired"`
	AsOf        time.Time                 `json:"as_of"`
}

type historyResponse struct {
	PrincipalID string                    `json:"principal_id"`
	Items       []entitlement.Entitlement `json:"items"`
}

type referralRequest struct {
	AffiliateCode string `json:"affiliate_code"`
	TransactionID string `json:"transaction_id"`
	Currency      string `json:"currency"`
	Commission    int64  `json:"commission"`
}

type completeReferralRequest struct {
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type createBatchRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

type exportResponse struct {
	Batch payout.Batch       `json:"batch"`
	Rows  []payout.ExportRow `json:"rows"`
}

// --- entitlements ---

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req entitlement.GrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	e, err := a.deps.Entitlements.Grant(r.Context(), scopeFrom(r), principalFrom(r).ID, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	e, err := a.deps.Entitlements.Revoke(r.Context(), scopeFrom(r), principalFrom(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleListEntitlements serves the caller's own holdings, or anyone's to an admin.
// ?all=1 returns the full history including revoked rows.
func (a *API) handleListEntitlements(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)
	caller := principalFrom(r)
	principalID := chi.URLParam(r, "principalID")
	if principalID != caller.ID {
		if err := auth.RequireAdmin(caller, scope.ID()); err != nil {
			handleError(w, r, err)
			return
		}
	}

	if all := r.URL.Query().Get("all"); all == "1" || all == "true" {
		items, err := a.deps.Entitlements.History(r.Context(), scope, principalID)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, historyResponse{PrincipalID: principalID, Items: nonNil(items)})
		return
	}

	h, err := a.deps.Entitlements.Holdings(r.Context(), scope, principalID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, holdingsResponse{
		PrincipalID: principalID,
		Active:      nonNil(h.Active),
		Expired:     nonNil(h.Expired),
		AsOf:        time.Now().UTC(),
	})
}

// --- payouts ---

func (a *API) handleRecordReferral(w http.ResponseWriter, r *http.Request) {
	var req referralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ref, err := a.deps.Payouts.RecordReferral(r.Context(), scopeFrom(r), principalFrom(r).ID, payout.Referral{
		AffiliateCode: req.AffiliateCode,
		TransactionID: req.TransactionID,
		Currency:      req.Currency,
		Commission:    req.Commission,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (a *API) handleCompleteReferral(w http.ResponseWriter, r *http.Request) {
	var req completeReferralRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var at time.Time
	if req.CompletedAt != nil {
		at = *req.CompletedAt
	}
	ref, err := a.deps.Payouts.CompleteReferral(r.Context(), scopeFrom(r), principalFrom(r).ID, chi.URLParam(r, "id"), at)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (a *API) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	b, err := a.deps.Payouts.CreateBatch(r.Context(), scopeFrom(r), principalFrom(r).ID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := a.deps.Payouts.Batch(r.Context(), scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	b, err := a.deps.Payouts.MarkPaid(r.Context(), scopeFrom(r), principalFrom(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)
	id := chi.URLParam(r, "id")
	b, err := a.deps.Payouts.Batch(r.Context(), scope, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	rows, err := a.deps.Payouts.Export(r.Context(), scope, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{Batch: b, Rows: nonNil(rows)})
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
