package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/tenant"
)

// Recorder is the audit dependency of the service.
type Recorder interface {
	Record(ctx context.Context, scope tenant.Scope, ev audit.Event) (audit.Entry, error)
}

// Service reads and updates tenant policies through a per-tenant cache.
type Service struct {
	store    Store
	recorder Recorder
	now      func() time.Time

	cache    *ristretto.Cache[string, Policy]
	cacheTTL time.Duration
	loads    singleflight.Group

	genMu sync.Mutex
	gen   map[string]uint64
}

// Option configures the Service.
type Option func(*Service)

// WithRecorder enables POLICY_CREATED and POLICY_UPDATED audit entries.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithCacheTTL sets how long a policy may be served from cache. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) { s.cacheTTL = ttl }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a policy service over the store.
func NewService(store Store, opts ...Option) (*Service, error) {
	s := &Service{
		store:    store,
		now:      time.Now,
		cacheTTL: 30 * time.Second,
		gen:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheTTL > 0 {
		c, err := ristretto.NewCache(&ristretto.Config[string, Policy]{
			NumCounters: 100_000,
			MaxCost:     10_000,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("policy cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

// Close releases the cache.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Get returns the tenant policy, creating the defaults on first access.
func (s *Service) Get(ctx context.Context, scope tenant.Scope) (Policy, error) {
	if err := scope.Require(); err != nil {
		return Policy{}, err
	}
	if s.cache != nil {
		if p, ok := s.cache.Get(scope.ID()); ok {
			return p, nil
		}
	}
	gen := s.generation(scope.ID())
	// Coalesced callers share this load, so one caller's cancellation must not fail the rest.
	v, err, _ := s.loads.Do(scope.ID(), func() (any, error) {
		return s.load(context.WithoutCancel(ctx), scope)
	})
	if err != nil {
		return Policy{}, err
	}
	p := v.(Policy)
	if err := scope.Check(p.TenantID, "policy.get"); err != nil {
		return Policy{}, err
	}
	s.remember(scope.ID(), p, gen)
	return p, nil
}

func (s *Service) load(ctx context.Context, scope tenant.Scope) (Policy, error) {
	p, err := s.store.Get(ctx, scope)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Policy{}, fmt.Errorf("load policy: %w", err)
	}
	p, created, err := s.store.InsertIfAbsent(ctx, scope, Defaults(scope.ID(), s.now().UTC()))
	if err != nil {
		return Policy{}, fmt.Errorf("create default policy: %w", err)
	}
	if created {
		s.record(ctx, scope, audit.SystemActor, audit.ActionPolicyCreated, nil)
	}
	return p, nil
}

// Update applies a patch to the stored row, never to a cached copy, so
// concurrent patches of different fields all survive. Only owners and admins
// of the tenant may update.
func (s *Service) Update(ctx context.Context, scope tenant.Scope, admin auth.Principal, patch Patch) (Policy, error) {
	if err := scope.Require(); err != nil {
		return Policy{}, err
	}
	if err := auth.RequireAdmin(admin, scope.ID()); err != nil {
		return Policy{}, err
	}
	// Creates the default row on first use.
	if _, err := s.Get(ctx, scope); err != nil {
		return Policy{}, err
	}

	var changed []string
	saved, err := s.store.Update(ctx, scope, func(current Policy) (Policy, bool, error) {
		next, fields, err := patch.Apply(current)
		if err != nil {
			return Policy{}, false, err
		}
		changed = fields
		if len(fields) == 0 {
			return current, false, nil
		}
		next.UpdatedAt = s.now().UTC()
		next.UpdatedBy = admin.ID
		return next, true, nil
	})
	if err != nil {
		return Policy{}, fmt.Errorf("update policy: %w", err)
	}
	if len(changed) == 0 {
		return saved, nil
	}
	s.invalidate(scope.ID())
	s.record(ctx, scope, admin.ID, audit.ActionPolicyUpdated, map[string]any{"changed": changed})
	return saved, nil
}

func (s *Service) generation(tenantID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gen[tenantID]
}

// invalidate drops the cached policy and any in-flight load that may have read
// the previous row.
func (s *Service) invalidate(tenantID string) {
	s.genMu.Lock()
	s.gen[tenantID]++
	s.genMu.Unlock()
	s.loads.Forget(tenantID)
	if s.cache != nil {
		s.cache.Del(tenantID)
	}
}

// remember caches p unless the tenant was updated since the load began.
func (s *Service) remember(tenantID string, p Policy, gen uint64) {
	if s.cache == nil {
		return
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.gen[tenantID] != gen {
		return
	}
	s.cache.SetWithTTL(tenantID, p, 1, s.cacheTTL)
}

func (s *Service) record(ctx context.Context, scope tenant.Scope, actor string, action audit.Action, meta map[string]any) {
	if s.recorder == nil {
		return
	}
	_, err := s.recorder.Record(ctx, scope, audit.Event{
		Actor:      actor,
		Action:     action,
		EntityType: "content_protection_policy",
		EntityID:   scope.ID(),
		Metadata:   meta,
	})
	if err != nil {
		obs.LogError("policy", "audit record failed", err, map[string]any{"tenant_id": scope.ID(), "action": string(action)})
	}
}
