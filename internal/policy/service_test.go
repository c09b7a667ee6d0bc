package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/tenant"
)

type countingStore struct {
	*InMemory
	gets    atomic.Int64
	inserts atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, scope tenant.Scope) (Policy, error) {
	s.gets.Add(1)
	return s.InMemory.Get(ctx, scope)
}

func (s *countingStore) InsertIfAbsent(ctx context.Context, scope tenant.Scope, p Policy) (Policy, bool, error) {
	s.inserts.Add(1)
	return s.InMemory.InsertIfAbsent(ctx, scope, p)
}

func admin(tenantID string) auth.Principal {
	return auth.Principal{ID: "admin-1", Memberships: []auth.Membership{{TenantID: tenantID, Role: auth.RoleAdmin}}}
}

func ptr[T any](v T) *T { return &v }

func TestGetCreatesDefaultsOnce(t *testing.T) {
	store := &countingStore{InMemory: NewInMemory()}
	trail := audit.NewInMemoryStore()
	svc, err := NewService(store, WithRecorder(audit.NewRecorder(trail)), WithCacheTTL(0))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := svc.Get(ctx, scope)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			if p.TenantID != "school-a" || p.CopyMode != ModeAddon || p.DownloadMode != ModeAddon {
				t.Errorf("unexpected defaults: %+v", p)
			}
		}()
	}
	wg.Wait()

	p, _ := svc.Get(ctx, scope)
	want := Defaults("school-a", p.UpdatedAt)
	if p != want {
		t.Fatalf("defaults mismatch:\n got %+v\nwant %+v", p, want)
	}
	entries, _ := trail.List(ctx, scope, audit.Filter{Action: audit.ActionPolicyCreated})
	if len(entries) != 1 {
		t.Fatalf("expected a single POLICY_CREATED entry, got %d", len(entries))
	}
}

func TestUpdateRequiresAdmin(t *testing.T) {
	svc, _ := NewService(NewInMemory())
	defer svc.Close()
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	student := auth.Principal{ID: "s1", Memberships: []auth.Membership{{TenantID: "school-a", Role: auth.RoleStudent}}}
	if _, err := svc.Update(ctx, scope, student, Patch{AllowPreviews: ptr(false)}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for student, got %v", err)
	}
	if _, err := svc.Update(ctx, scope, admin("school-b"), Patch{AllowPreviews: ptr(false)}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for admin of another tenant, got %v", err)
	}
}

func TestUpdateValidatesAndInvalidatesCache(t *testing.T) {
	trail := audit.NewInMemoryStore()
	svc, err := NewService(NewInMemory(), WithRecorder(audit.NewRecorder(trail)), WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	if _, err := svc.Get(ctx, scope); err != nil {
		t.Fatalf("Get: %v", err)
	}
	svc.cache.Wait()

	if _, err := svc.Update(ctx, scope, admin("school-a"), Patch{MaxPreviewSeconds: ptr(-1)}); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	if _, err := svc.Update(ctx, scope, admin("school-a"), Patch{CopyMode: ptr(Mode("SOMETIMES"))}); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy for mode, got %v", err)
	}

	updated, err := svc.Update(ctx, scope, admin("school-a"), Patch{DownloadMode: ptr(ModeDisallow), MaxPreviewChars: ptr(200)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.DownloadMode != ModeDisallow || updated.MaxPreviewChars != 200 || updated.UpdatedBy != "admin-1" {
		t.Fatalf("unexpected update: %+v", updated)
	}
	svc.cache.Wait()

	got, _ := svc.Get(ctx, scope)
	if got.DownloadMode != ModeDisallow {
		t.Fatalf("stale policy served after update: %+v", got)
	}

	entries, _ := trail.List(ctx, scope, audit.Filter{Action: audit.ActionPolicyUpdated})
	if len(entries) != 1 {
		t.Fatalf("expected one POLICY_UPDATED entry, got %d", len(entries))
	}
	changed, _ := entries[0].Metadata["changed"].([]string)
	if len(changed) != 2 {
		t.Fatalf("unexpected changed fields: %v", entries[0].Metadata)
	}
}

func TestConcurrentPatchesKeepEveryField(t *testing.T) {
	trail := audit.NewInMemoryStore()
	svc, err := NewService(NewInMemory(), WithRecorder(audit.NewRecorder(trail)), WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()
	ctx := context.Background()
	scope := tenant.MustBind("school-a")
	if _, err := svc.Get(ctx, scope); err != nil {
		t.Fatalf("Get: %v", err)
	}
	svc.cache.Wait()

	patches := []Patch{
		{CopyMode: ptr(ModeFree)},
		{DownloadMode: ptr(ModeDisallow)},
		{AllowPreviews: ptr(false)},
		{MaxPreviewSeconds: ptr(10)},
		{MaxPreviewChars: ptr(20)},
		{WatermarkEnabled: ptr(false)},
	}
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, patch := range patches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := svc.Update(ctx, scope, admin("school-a"), patch); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	got, err := svc.store.Get(ctx, scope)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if got.CopyMode != ModeFree || got.DownloadMode != ModeDisallow || got.AllowPreviews ||
		got.MaxPreviewSeconds != 10 || got.MaxPreviewChars != 20 || got.WatermarkEnabled {
		t.Fatalf("lost update: %+v", got)
	}
	entries, _ := trail.List(ctx, scope, audit.Filter{Action: audit.ActionPolicyUpdated})
	if len(entries) != len(patches) {
		t.Fatalf("expected %d POLICY_UPDATED entries, got %d", len(patches), len(entries))
	}
}

func TestUpdatePatchesStoredRowNotStaleCache(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	// Two replicas sharing one store, each with its own cache.
	first, _ := NewService(store, WithCacheTTL(time.Hour))
	defer first.Close()
	second, _ := NewService(store, WithCacheTTL(time.Hour))
	defer second.Close()
	for _, svc := range []*Service{first, second} {
		if _, err := svc.Get(ctx, scope); err != nil {
			t.Fatalf("Get: %v", err)
		}
		svc.cache.Wait()
	}

	if _, err := first.Update(ctx, scope, admin("school-a"), Patch{CopyMode: ptr(ModeFree)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, err := second.Update(ctx, scope, admin("school-a"), Patch{DownloadMode: ptr(ModeDisallow)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.CopyMode != ModeFree || updated.DownloadMode != ModeDisallow {
		t.Fatalf("second replica overwrote the first patch: %+v", updated)
	}
}

func TestUpdateWithoutChangesSkipsWrite(t *testing.T) {
	trail := audit.NewInMemoryStore()
	svc, _ := NewService(NewInMemory(), WithRecorder(audit.NewRecorder(trail)))
	defer svc.Close()
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	before, err := svc.Get(ctx, scope)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	after, err := svc.Update(ctx, scope, admin("school-a"), Patch{CopyMode: ptr(before.CopyMode)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if after != before {
		t.Fatalf("no-op patch rewrote the row:\n got %+v\nwant %+v", after, before)
	}
	entries, _ := trail.List(ctx, scope, audit.Filter{Action: audit.ActionPolicyUpdated})
	if len(entries) != 0 {
		t.Fatalf("expected no POLICY_UPDATED entry, got %d", len(entries))
	}
}

// blockingStore holds Get until released and then honours ctx cancellation.
type blockingStore struct {
	*InMemory
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Get(ctx context.Context, scope tenant.Scope) (Policy, error) {
	close(s.entered)
	<-s.release
	if err := ctx.Err(); err != nil {
		return Policy{}, err
	}
	return s.InMemory.Get(ctx, scope)
}

func TestSharedLoadSurvivesCallerCancellation(t *testing.T) {
	store := &blockingStore{InMemory: NewInMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	svc, _ := NewService(store, WithCacheTTL(0))
	defer svc.Close()
	scope := tenant.MustBind("school-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Get(ctx, scope)
		done <- err
	}()
	<-store.entered
	cancel()
	close(store.release)

	if err := <-done; err != nil {
		t.Fatalf("shared load failed after the first caller cancelled: %v", err)
	}
}

func TestPoliciesAreTenantScoped(t *testing.T) {
	svc, _ := NewService(NewInMemory())
	defer svc.Close()
	ctx := context.Background()
	a := tenant.MustBind("school-a")
	b := tenant.MustBind("school-b")

	if _, err := svc.Update(ctx, a, admin("school-a"), Patch{AllowPreviews: ptr(false)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	pb, _ := svc.Get(ctx, b)
	if !pb.AllowPreviews || pb.TenantID != "school-b" {
		t.Fatalf("tenant b affected by tenant a update: %+v", pb)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" free "); err != nil || m != ModeFree {
		t.Fatalf("ParseMode: %v %v", m, err)
	}
	if _, err := ParseMode("maybe"); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}
