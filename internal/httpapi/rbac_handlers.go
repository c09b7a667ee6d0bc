package httpapi

import (
	"net/http"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/policy"
)

type auditListResponse struct {
	Items     []audit.Entry `json:"items"`
	NextAfter string        `json:"next_after,omitempty"`
}

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Policies.Get(r.Context(), scopeFrom(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	var patch policy.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p, err := a.deps.Policies.Update(r.Context(), scopeFrom(r), principalFrom(r), patch)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	entries, err := a.deps.Audit.List(r.Context(), scopeFrom(r), audit.Filter{
		Action:   audit.Action(q.Get("action")),
		EntityID: q.Get("entity_id"),
		AfterID:  q.Get("after"),
		Limit:    limit,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	resp := auditListResponse{Items: nonNil(entries)}
	if len(entries) == limit {
		resp.NextAfter = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}
