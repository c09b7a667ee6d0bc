package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/tenant"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type scopeKey struct{}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Tokens == nil {
			writeError(w, r, http.StatusServiceUnavailable, "auth_unavailable", "authentication is not configured")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="coursekeep"`)
			writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		principal, err := a.deps.Tokens.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="coursekeep", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid_token", "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

// withTenant binds the path tenant to a scope. The principal must be a member.
func (a *API) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing principal")
			return
		}
		tenantID := strings.TrimSpace(chi.URLParam(r, "tenantID"))
		if !principal.IsMember(tenantID) {
			handleError(w, r, &tenant.CrossTenantError{Bound: strings.Join(memberTenants(principal), ","), Offending: tenantID, Op: "http.enter"})
			return
		}
		scope, err := a.deps.Tenants.Enter(r.Context(), tenantID)
		if err != nil {
			handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey{}, scope)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFromContext(r.Context())
		if err := auth.RequireAdmin(principal, scopeFrom(r).ID()); err != nil {
			handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func scopeFrom(r *http.Request) tenant.Scope {
	scope, _ := r.Context().Value(scopeKey{}).(tenant.Scope)
	return scope
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func memberTenants(p auth.Principal) []string {
	out := make([]string, 0, len(p.Memberships))
	for _, m := range p.Memberships {
		out = append(out, m.TenantID)
	}
	return out
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
