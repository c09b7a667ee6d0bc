package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"coursekeep.org/internal/access"
	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/entitlement"
	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/payout"
	"coursekeep.org/internal/policy"
	"coursekeep.org/internal/ratelimit"
	"coursekeep.org/internal/stream"
	"coursekeep.org/internal/tenant"
)

const serviceName = "coursekeep-api"

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe is a simple readiness check (e.g. database ping).
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the domain services served over HTTP.
type Deps struct {
	Tenants      *tenant.Guard
	Tokens       *auth.Tokens
	Entitlements *entitlement.Ledger
	Policies     *policy.Service
	Resolver     *access.Resolver
	Limiter      *ratelimit.Limiter
	Audit        *audit.Recorder
	Feed         *stream.Stream[audit.Entry]
	Payouts      *payout.Ledger
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	readyProbe readinessChecker
	version    string
	deps       Deps

	devTokens  bool
	tokenTTL   time.Duration
	corsOrigin string
	rateBurst  int
	ratePerSec float64
}

// Option configures the API.
type Option func(*API)

// WithDevTokens exposes POST /v1/auth/token issuing tokens valid for ttl.
func WithDevTokens(ttl time.Duration) Option {
	return func(a *API) {
		a.devTokens = true
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

// WithCORSOrigin allows one extra browser origin besides localhost.
func WithCORSOrigin(origin string) Option {
	return func(a *API) { a.corsOrigin = origin }
}

// WithEdgeLimit sets the per-client token bucket.
func WithEdgeLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

func New(rp readinessChecker, version string, deps Deps, opts ...Option) *API {
	a := &API{
		readyProbe: rp,
		version:    version,
		deps:       deps,
		tokenTTL:   15 * time.Minute,
		rateBurst:  100,
		ratePerSec: 50,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, SecurityHeaders, CORS(a.corsOrigin))
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	if a.devTokens {
		r.Post("/v1/auth/token", a.handleAuthToken)
	}

	r.Route("/v1/tenants/{tenantID}", func(r chi.Router) {
		r.Use(a.withAuth, a.withTenant)

		r.Post("/access/resolve", a.handleResolve)
		r.Post("/access/download", a.handleDownload)
		r.Post("/ratelimit/{action}/consume", a.handleConsume)

		r.Get("/policy", a.handleGetPolicy)
		r.Get("/principals/{principalID}/entitlements", a.handleListEntitlements)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Patch("/policy", a.handlePatchPolicy)
			r.Post("/entitlements", a.handleGrant)
			r.Post("/entitlements/{id}/revoke", a.handleRevoke)
			r.Get("/audit", a.handleAuditList)
			r.Get("/audit/stream", a.Stream)
			r.Post("/referrals", a.handleRecordReferral)
			r.Post("/referrals/{id}/complete", a.handleCompleteReferral)
			r.Post("/payouts/batches", a.handleCreateBatch)
			r.Get("/payouts/batches/{id}", a.handleGetBatch)
			r.Post("/payouts/batches/{id}/paid", a.handleMarkPaid)
			r.Get("/payouts/batches/{id}/export", a.handleExport)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// Handler returns the root handler wrapped with request metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
