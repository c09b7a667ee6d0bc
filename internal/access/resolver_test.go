package access

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/entitlement"
	"coursekeep.org/internal/policy"
	"coursekeep.org/internal/ratelimit"
	"coursekeep.org/internal/tenant"
)

type fakeURLs struct {
	err   error
	calls int
}

func (f *fakeURLs) IssueURL(_ context.Context, scope tenant.Scope, principalID, contentID string, ttl time.Duration) (string, time.Time, error) {
	f.calls++
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return "https://cdn.test/" + scope.ID() + "/" + contentID, time.Now().Add(ttl), nil
}

// flakyStore fails appends of one action.
type flakyStore struct {
	*audit.InMemoryStore
	fail audit.Action
}

func (s *flakyStore) Append(ctx context.Context, scope tenant.Scope, e audit.Entry) error {
	if e.Action == s.fail {
		return audit.ErrStoreUnavailable
	}
	return s.InMemoryStore.Append(ctx, scope, e)
}

type harness struct {
	scope    tenant.Scope
	ledger   *entitlement.Ledger
	policies *policy.Service
	trail    *flakyStore
	urls     *fakeURLs
	resolver *Resolver
	now      time.Time
}

func newHarness(t *testing.T, limit int, opts ...Option) *harness {
	t.Helper()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h := &harness{
		scope: tenant.MustBind("school-a"),
		trail: &flakyStore{InMemoryStore: audit.NewInMemoryStore()},
		urls:  &fakeURLs{},
		now:   now,
	}
	rec := audit.NewRecorder(h.trail, audit.WithClock(clock))
	h.ledger = entitlement.NewLedger(entitlement.NewInMemory(), entitlement.WithClock(clock))
	svc, err := policy.NewService(policy.NewInMemory(), policy.WithCacheTTL(0), policy.WithClock(clock))
	if err != nil {
		t.Fatalf("policy.NewService: %v", err)
	}
	h.policies = svc
	limiter, err := ratelimit.New(ratelimit.NewMemoryCounter(), map[string]ratelimit.Rule{
		ratelimit.ActionDownload: {Limit: limit, Window: time.Minute},
	}, ratelimit.WithClock(clock))
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	opts = append([]Option{WithDownloads(limiter, h.urls, time.Minute)}, opts...)
	h.resolver = NewResolver(h.ledger, h.policies, rec, opts...)
	return h
}

func (h *harness) grant(t *testing.T, req entitlement.GrantRequest) {
	t.Helper()
	if _, err := h.ledger.Grant(context.Background(), h.scope, "admin", req); err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func (h *harness) setPolicy(t *testing.T, patch policy.Patch) {
	t.Helper()
	admin := auth.Principal{ID: "admin", Memberships: []auth.Membership{{TenantID: h.scope.ID(), Role: auth.RoleOwner}}}
	if _, err := h.policies.Update(context.Background(), h.scope, admin, patch); err != nil {
		t.Fatalf("Update policy: %v", err)
	}
}

func (h *harness) entries(t *testing.T, action audit.Action) []audit.Entry {
	t.Helper()
	rows, err := h.trail.List(context.Background(), h.scope, audit.Filter{Action: action})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return rows
}

func mode(m policy.Mode) *policy.Mode { return &m }
func yes(v bool) *bool                { return &v }

var (
	lesson   = ContentRef{Kind: KindLesson, ID: "l1", ParentCourseID: "c1"}
	download = ContentRef{Kind: KindDownload, ID: "pack-1", ParentCourseID: "c1"}
)

func hasReason(d Decision, r Reason) bool {
	for _, got := range d.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

func TestAddonDownloadRequiresLicense(t *testing.T) {
	h := newHarness(t, 60)
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeCourse, CourseID: "c1"})

	d, err := h.resolver.Resolve(context.Background(), h.scope, "p1", download)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Level != LevelLocked || !hasReason(d, ReasonLicenseRequired) {
		t.Fatalf("expected LOCKED license_required, got %+v", d)
	}

	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeDownloadLicense})
	d, _ = h.resolver.Resolve(context.Background(), h.scope, "p1", download)
	if d.Level != LevelFull {
		t.Fatalf("expected FULL with license, got %+v", d)
	}
}

func TestLicenseNeverSubstitutesForCourseAccess(t *testing.T) {
	h := newHarness(t, 60)
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeDownloadLicense})

	d, _ := h.resolver.Resolve(context.Background(), h.scope, "p1", download)
	if d.Level != LevelLocked || !hasReason(d, ReasonNotEntitled) {
		t.Fatalf("expected LOCKED not_entitled, got %+v", d)
	}
}

func TestFreeDownloadModeIgnoresEntitlements(t *testing.T) {
	h := newHarness(t, 60)
	h.setPolicy(t, policy.Patch{DownloadMode: mode(policy.ModeFree)})

	d, err := h.resolver.Resolve(context.Background(), h.scope, "nobody", download)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Level != LevelFull {
		t.Fatalf("expected FULL, got %+v", d)
	}
}

func TestDisallowAndIncludedDownloadModes(t *testing.T) {
	h := newHarness(t, 60)
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeAllCourses})

	h.setPolicy(t, policy.Patch{DownloadMode: mode(policy.ModeDisallow)})
	d, _ := h.resolver.Resolve(context.Background(), h.scope, "p1", download)
	if d.Level != LevelLocked || !hasReason(d, ReasonDownloadDisallowed) {
		t.Fatalf("expected LOCKED download_disallowed, got %+v", d)
	}

	h.setPolicy(t, policy.Patch{DownloadMode: mode(policy.ModeIncludedWithAccess)})
	d, _ = h.resolver.Resolve(context.Background(), h.scope, "p1", download)
	if d.Level != LevelFull {
		t.Fatalf("expected FULL with ALL_COURSES, got %+v", d)
	}
}

func TestFreePreviewLesson(t *testing.T) {
	h := newHarness(t, 60)
	ref := ContentRef{Kind: KindLesson, ID: "l0", ParentCourseID: "c1", IsFreePreview: true}

	d, err := h.resolver.Resolve(context.Background(), h.scope, "p1", ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Level != LevelPreview || d.Preview == nil || d.Preview.MaxSeconds != 90 || d.Preview.MaxChars != 1500 {
		t.Fatalf("expected PREVIEW with default limits, got %+v", d)
	}
	if d.Protection.CopyAllowed || d.Protection.CopyReason != ReasonCopyLicense || !d.Protection.Watermark {
		t.Fatalf("unexpected protection for preview: %+v", d.Protection)
	}
}

func TestExpiredEntitlementIsUnentitled(t *testing.T) {
	h := newHarness(t, 60)
	clock := h.now
	ledger := entitlement.NewLedger(entitlement.NewInMemory(), entitlement.WithClock(func() time.Time { return clock }))
	h.resolver.entitlements = ledger

	clock = h.now.Add(-48 * time.Hour)
	yesterday := h.now.Add(-24 * time.Hour)
	if _, err := ledger.Grant(context.Background(), h.scope, "admin", entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeCourse, CourseID: "c1", ExpiresAt: &yesterday}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	clock = h.now

	d, _ := h.resolver.Resolve(context.Background(), h.scope, "p1", lesson)
	if d.Level != LevelLocked || !hasReason(d, ReasonExpired) {
		t.Fatalf("expected LOCKED expired, got %+v", d)
	}

	previewable := lesson
	previewable.Previewable = true
	d, _ = h.resolver.Resolve(context.Background(), h.scope, "p1", previewable)
	if d.Level != LevelPreview {
		t.Fatalf("expired entitlement must fall through to PREVIEW, got %+v", d)
	}

	h.setPolicy(t, policy.Patch{AllowPreviews: yes(false)})
	d, _ = h.resolver.Resolve(context.Background(), h.scope, "p1", previewable)
	if d.Level != LevelLocked {
		t.Fatalf("previews disabled must lock, got %+v", d)
	}
}

func TestBundleAndSubscriptionDoNotGrantCourseAccess(t *testing.T) {
	h := newHarness(t, 60)
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeBundle})
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeSubscription})

	d, err := h.resolver.Resolve(context.Background(), h.scope, "p1", lesson)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Level != LevelLocked || !hasReason(d, ReasonNotEntitled) {
		t.Fatalf("expected LOCKED not_entitled, got %+v", d)
	}
}

func TestCourseAccessAndCopyGate(t *testing.T) {
	h := newHarness(t, 60)
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeCourse, CourseID: "c1"})

	d, _ := h.resolver.Resolve(context.Background(), h.scope, "p1", lesson)
	if d.Level != LevelFull || d.Preview != nil || len(d.Reasons) != 0 {
		t.Fatalf("expected FULL, got %+v", d)
	}
	if d.Protection.CopyAllowed || d.Protection.CopyReason != ReasonCopyLicense {
		t.Fatalf("ADDON copy mode requires a copy license: %+v", d.Protection)
	}

	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeCopyLicense})
	d, _ = h.resolver.Resolve(context.Background(), h.scope, "p1", lesson)
	if !d.Protection.CopyAllowed {
		t.Fatalf("copy license must allow copy: %+v", d.Protection)
	}

	other := ContentRef{Kind: KindCourse, ID: "c2"}
	d, _ = h.resolver.Resolve(context.Background(), h.scope, "p1", other)
	if d.Level != LevelLocked || !hasReason(d, ReasonNotEntitled) {
		t.Fatalf("expected LOCKED for another course, got %+v", d)
	}

	h.setPolicy(t, policy.Patch{ProtectContent: yes(false)})
	d, _ = h.resolver.Resolve(context.Background(), h.scope, "p1", lesson)
	if d.Protection.Watermark || !d.Protection.CopyAllowed {
		t.Fatalf("unprotected content must allow copy without watermark: %+v", d.Protection)
	}
}

func TestResolveWritesOneAuditEntry(t *testing.T) {
	h := newHarness(t, 60)
	if _, err := h.resolver.Resolve(context.Background(), h.scope, "p1", lesson); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	rows := h.entries(t, audit.ActionAccessResolved)
	if len(rows) != 1 {
		t.Fatalf("expected one ACCESS_RESOLVED entry, got %d", len(rows))
	}
	if rows[0].EntityID != "l1" || rows[0].Metadata["level"] != string(LevelLocked) {
		t.Fatalf("unexpected entry: %+v", rows[0])
	}
}

func TestStrictAuditDegradesResolve(t *testing.T) {
	h := newHarness(t, 60, WithStrictAudit(true))
	h.trail.fail = audit.ActionAccessResolved
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeAllCourses})

	d, err := h.resolver.Resolve(context.Background(), h.scope, "p1", lesson)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Level != LevelLocked || !hasReason(d, ReasonAuditUnavailable) {
		t.Fatalf("expected LOCKED audit_unavailable, got %+v", d)
	}

	lenient := newHarness(t, 60)
	lenient.trail.fail = audit.ActionAccessResolved
	lenient.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeAllCourses})
	d, _ = lenient.resolver.Resolve(context.Background(), lenient.scope, "p1", lesson)
	if d.Level != LevelFull {
		t.Fatalf("best-effort audit must not change the decision, got %+v", d)
	}
}

func TestDownloadGrantedIssuesURL(t *testing.T) {
	h := newHarness(t, 60)
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeCourse, CourseID: "c1"})
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeDownloadLicense})

	dd, err := h.resolver.Download(context.Background(), h.scope, "p1", download)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if dd.Level != LevelFull || !strings.HasSuffix(dd.URL, "/school-a/pack-1") || dd.URLExpiresAt == nil {
		t.Fatalf("unexpected download decision: %+v", dd)
	}
	if dd.RateLimit == nil || dd.RateLimit.Remaining != 59 {
		t.Fatalf("unexpected rate limit decision: %+v", dd.RateLimit)
	}
	if n := len(h.entries(t, audit.ActionDownloadGranted)); n != 1 {
		t.Fatalf("expected one DOWNLOAD_GRANTED entry, got %d", n)
	}
	if n := len(h.entries(t, audit.ActionDownloadBlocked)); n != 0 {
		t.Fatalf("unexpected DOWNLOAD_BLOCKED entries: %d", n)
	}
}

func TestDownloadRateLimitedIsAudited(t *testing.T) {
	h := newHarness(t, 2)
	h.setPolicy(t, policy.Patch{DownloadMode: mode(policy.ModeFree)})

	for i := 0; i < 2; i++ {
		dd, err := h.resolver.Download(context.Background(), h.scope, "p1", download)
		if err != nil || dd.Level != LevelFull {
			t.Fatalf("attempt %d: %+v %v", i, dd, err)
		}
	}
	dd, err := h.resolver.Download(context.Background(), h.scope, "p1", download)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if dd.Level != LevelLocked || !hasReason(dd.Decision, ReasonRateLimited) || dd.URL != "" {
		t.Fatalf("expected LOCKED rate_limited, got %+v", dd)
	}
	if dd.RateLimit == nil || dd.RateLimit.RetryAfter != time.Minute {
		t.Fatalf("expected retry after a full window, got %+v", dd.RateLimit)
	}
	blocked := h.entries(t, audit.ActionDownloadBlocked)
	if len(blocked) != 1 {
		t.Fatalf("expected one DOWNLOAD_BLOCKED entry, got %d", len(blocked))
	}
	reasons, _ := blocked[0].Metadata["reasons"].([]string)
	if len(reasons) != 1 || reasons[0] != string(ReasonRateLimited) {
		t.Fatalf("unexpected blocked reasons: %v", blocked[0].Metadata)
	}
	if h.urls.calls != 2 {
		t.Fatalf("expected 2 urls issued, got %d", h.urls.calls)
	}
}

func TestDownloadBlockedByPolicyDoesNotConsume(t *testing.T) {
	h := newHarness(t, 1)
	for i := 0; i < 3; i++ {
		dd, _ := h.resolver.Download(context.Background(), h.scope, "p1", download)
		if dd.Level != LevelLocked || !hasReason(dd.Decision, ReasonNotEntitled) {
			t.Fatalf("expected LOCKED not_entitled, got %+v", dd)
		}
	}
	h.setPolicy(t, policy.Patch{DownloadMode: mode(policy.ModeFree)})
	dd, _ := h.resolver.Download(context.Background(), h.scope, "p1", download)
	if dd.Level != LevelFull {
		t.Fatalf("policy denials must not consume rate limit slots, got %+v", dd)
	}
	if n := len(h.entries(t, audit.ActionDownloadBlocked)); n != 3 {
		t.Fatalf("expected 3 DOWNLOAD_BLOCKED entries, got %d", n)
	}
}

func TestDownloadAuditFailureDegrades(t *testing.T) {
	h := newHarness(t, 60)
	h.trail.fail = audit.ActionDownloadGranted
	h.setPolicy(t, policy.Patch{DownloadMode: mode(policy.ModeFree)})

	dd, err := h.resolver.Download(context.Background(), h.scope, "p1", download)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if dd.Level != LevelLocked || !hasReason(dd.Decision, ReasonAuditUnavailable) || dd.URL != "" {
		t.Fatalf("expected LOCKED audit_unavailable, got %+v", dd)
	}
	if h.urls.calls != 0 {
		t.Fatalf("no url may be issued without an audit entry")
	}
}

func TestDownloadValidation(t *testing.T) {
	h := newHarness(t, 60)
	ctx := context.Background()
	if _, err := h.resolver.Download(ctx, h.scope, "p1", lesson); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent for lesson, got %v", err)
	}
	if _, err := h.resolver.Resolve(ctx, h.scope, " ", lesson); !errors.Is(err, ErrPrincipalRequired) {
		t.Fatalf("expected ErrPrincipalRequired, got %v", err)
	}
	if _, err := h.resolver.Resolve(ctx, tenant.Scope{}, "p1", lesson); !errors.Is(err, tenant.ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired, got %v", err)
	}
	if _, err := h.resolver.Resolve(ctx, h.scope, "p1", ContentRef{Kind: "video", ID: "x"}); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent for kind, got %v", err)
	}
	bare := NewResolver(h.ledger, h.policies, audit.NewRecorder(audit.NewInMemoryStore()))
	if _, err := bare.Download(ctx, h.scope, "p1", download); !errors.Is(err, ErrDownloadsDisabled) {
		t.Fatalf("expected ErrDownloadsDisabled, got %v", err)
	}
}

func TestEntitlementsDoNotLeakAcrossTenants(t *testing.T) {
	h := newHarness(t, 60)
	h.grant(t, entitlement.GrantRequest{PrincipalID: "p1", Type: entitlement.TypeAllCourses})

	d, _ := h.resolver.Resolve(context.Background(), tenant.MustBind("school-b"), "p1", lesson)
	if d.Level != LevelLocked {
		t.Fatalf("entitlement of school-a must not unlock school-b content, got %+v", d)
	}
}
