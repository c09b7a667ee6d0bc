package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/entitlement"
	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/policy"
	"coursekeep.org/internal/ratelimit"
	"coursekeep.org/internal/tenant"
)

// Entitlements is the ledger dependency of the resolver.
type Entitlements interface {
	Holdings(ctx context.Context, scope tenant.Scope, principalID string) (entitlement.Holdings, error)
}

// Policies is the policy dependency of the resolver.
type Policies interface {
	Get(ctx context.Context, scope tenant.Scope) (policy.Policy, error)
}

// Limiter gates download-class actions.
type Limiter interface {
	CheckAndConsume(ctx context.Context, scope tenant.Scope, principalID, action string) (ratelimit.Decision, error)
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, scope tenant.Scope, ev audit.Event) (audit.Entry, error)
}

var (
	ErrPrincipalRequired = errors.New("access: principal id is required")
	ErrDownloadsDisabled = errors.New("access: download issuance is not configured")
)

// Resolver decides access levels and issues downloads.
type Resolver struct {
	entitlements Entitlements
	policies     Policies
	recorder     Recorder

	limiter Limiter
	urls    URLIssuer
	urlTTL  time.Duration

	strictAudit bool
}

// Option configures the Resolver.
type Option func(*Resolver)

// WithDownloads enables Download with a rate limiter and URL issuer.
func WithDownloads(l Limiter, urls URLIssuer, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.limiter = l
		r.urls = urls
		if ttl > 0 {
			r.urlTTL = ttl
		}
	}
}

// WithStrictAudit degrades FULL and PREVIEW resolutions to LOCKED when the
// ACCESS_RESOLVED entry cannot be written.
func WithStrictAudit(strict bool) Option {
	return func(r *Resolver) { r.strictAudit = strict }
}

// NewResolver constructs a resolver.
func NewResolver(ents Entitlements, policies Policies, recorder Recorder, opts ...Option) *Resolver {
	r := &Resolver{
		entitlements: ents,
		policies:     policies,
		recorder:     recorder,
		urlTTL:       5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve decides the access level of principalID on ref and records one
// ACCESS_RESOLVED audit entry.
func (r *Resolver) Resolve(ctx context.Context, scope tenant.Scope, principalID string, ref ContentRef) (d Decision, err error) {
	ctx, span := obs.StartAccessSpan(ctx, "access.resolve", scope.ID(), string(ref.Kind), ref.ID)
	defer func() {
		span.SetAttributes(attribute.String("access.level", string(d.Level)))
		obs.EndSpan(span, err)
	}()

	principalID, ref, err = r.validate(scope, principalID, ref)
	if err != nil {
		return Decision{}, err
	}
	d, err = r.decide(ctx, scope, principalID, ref)
	if err != nil {
		return Decision{}, err
	}

	_, auditErr := r.recorder.Record(ctx, scope, audit.Event{
		Actor:      principalID,
		Action:     audit.ActionAccessResolved,
		EntityType: string(ref.Kind),
		EntityID:   ref.ID,
		Metadata:   metadata(principalID, ref, d),
	})
	if auditErr != nil {
		obs.LogError("access", "access audit failed", auditErr, map[string]any{"tenant_id": scope.ID(), "content_id": ref.ID})
		if r.strictAudit && d.Level != LevelLocked {
			d = Locked(ReasonAuditUnavailable)
		}
	}
	obs.AccessDecisions.WithLabelValues(string(ref.Kind), string(d.Level)).Inc()
	return d, nil
}

// Download runs the issuance flow for a download reference: resolve, rate
// limit, audit, then sign a URL. Exactly one DOWNLOAD_GRANTED or
// DOWNLOAD_BLOCKED entry is written per decision.
func (r *Resolver) Download(ctx context.Context, scope tenant.Scope, principalID string, ref ContentRef) (dd DownloadDecision, err error) {
	ctx, span := obs.StartAccessSpan(ctx, "access.download", scope.ID(), string(ref.Kind), ref.ID)
	defer func() {
		span.SetAttributes(attribute.String("access.level", string(dd.Level)))
		obs.EndSpan(span, err)
	}()

	if r.limiter == nil || r.urls == nil {
		return DownloadDecision{}, ErrDownloadsDisabled
	}
	principalID, ref, err = r.validate(scope, principalID, ref)
	if err != nil {
		return DownloadDecision{}, err
	}
	if ref.Kind != KindDownload {
		return DownloadDecision{}, fmt.Errorf("%w: download requires kind %q", ErrInvalidContent, KindDownload)
	}

	d, err := r.decide(ctx, scope, principalID, ref)
	if err != nil {
		return DownloadDecision{}, err
	}
	if d.Level != LevelFull {
		return r.block(ctx, scope, principalID, ref, DownloadDecision{Decision: d}), nil
	}

	rl, err := r.limiter.CheckAndConsume(ctx, scope, principalID, ratelimit.ActionDownload)
	if err != nil {
		return DownloadDecision{}, fmt.Errorf("rate limit: %w", err)
	}
	if !rl.Allowed {
		return r.block(ctx, scope, principalID, ref, DownloadDecision{Decision: Locked(ReasonRateLimited), RateLimit: &rl}), nil
	}

	meta := metadata(principalID, ref, d)
	meta["rate_limit_count"] = rl.Count
	_, auditErr := r.recorder.Record(ctx, scope, audit.Event{
		Actor:      principalID,
		Action:     audit.ActionDownloadGranted,
		EntityType: string(ref.Kind),
		EntityID:   ref.ID,
		Metadata:   meta,
	})
	if auditErr != nil {
		obs.LogError("access", "download audit failed", auditErr, map[string]any{"tenant_id": scope.ID(), "content_id": ref.ID})
		obs.AccessDecisions.WithLabelValues(string(ref.Kind), string(LevelLocked)).Inc()
		return DownloadDecision{Decision: Locked(ReasonAuditUnavailable), RateLimit: &rl}, nil
	}

	url, expires, err := r.urls.IssueURL(ctx, scope, principalID, ref.ID, r.urlTTL)
	if err != nil {
		return DownloadDecision{}, fmt.Errorf("issue url: %w", err)
	}
	obs.AccessDecisions.WithLabelValues(string(ref.Kind), string(LevelFull)).Inc()
	return DownloadDecision{Decision: d, URL: url, URLExpiresAt: &expires, RateLimit: &rl}, nil
}

func (r *Resolver) block(ctx context.Context, scope tenant.Scope, principalID string, ref ContentRef, dd DownloadDecision) DownloadDecision {
	_, err := r.recorder.Record(ctx, scope, audit.Event{
		Actor:      principalID,
		Action:     audit.ActionDownloadBlocked,
		EntityType: string(ref.Kind),
		EntityID:   ref.ID,
		Metadata:   metadata(principalID, ref, dd.Decision),
	})
	if err != nil {
		obs.LogError("access", "download block audit failed", err, map[string]any{"tenant_id": scope.ID(), "content_id": ref.ID})
	}
	obs.AccessDecisions.WithLabelValues(string(ref.Kind), string(LevelLocked)).Inc()
	return dd
}

func (r *Resolver) validate(scope tenant.Scope, principalID string, ref ContentRef) (string, ContentRef, error) {
	if err := scope.Require(); err != nil {
		return "", ContentRef{}, err
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return "", ContentRef{}, ErrPrincipalRequired
	}
	ref, err := ref.Normalize()
	if err != nil {
		return "", ContentRef{}, err
	}
	return principalID, ref, nil
}

// decide loads entitlements and policy concurrently and evaluates them.
func (r *Resolver) decide(ctx context.Context, scope tenant.Scope, principalID string, ref ContentRef) (Decision, error) {
	var (
		h entitlement.Holdings
		p policy.Policy
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		h, err = r.entitlements.Holdings(gctx, scope, principalID)
		if err != nil {
			return fmt.Errorf("load entitlements: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		p, err = r.policies.Get(gctx, scope)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}
	if err := scope.Check(p.TenantID, "access.policy"); err != nil {
		return Decision{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("entitlements.active", len(h.Active)))
	return evaluate(ref, holdings{Holdings: h}, p), nil
}

func metadata(principalID string, ref ContentRef, d Decision) map[string]any {
	reasons := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		reasons = append(reasons, string(r))
	}
	meta := map[string]any{
		"principal_id":    principalID,
		"content_kind":    string(ref.Kind),
		"is_free_preview": ref.IsFreePreview,
		"level":           string(d.Level),
		"reasons":         reasons,
		"watermark":       d.Protection.Watermark,
		"copy_allowed":    d.Protection.CopyAllowed,
	}
	if ref.ParentCourseID != "" {
		meta["parent_course_id"] = ref.ParentCourseID
	}
	return meta
}
