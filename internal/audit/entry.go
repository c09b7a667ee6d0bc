package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"coursekeep.org/internal/tenant"
)

// Action names an audited event.
type Action string

const (
	ActionAccessResolved     Action = "ACCESS_RESOLVED"
	ActionDownloadGranted    Action = "DOWNLOAD_GRANTED"
	ActionDownloadBlocked    Action = "DOWNLOAD_BLOCKED"
	ActionEntitlementGranted Action = "ENTITLEMENT_GRANTED"
	ActionEntitlementRevoked Action = "ENTITLEMENT_REVOKED"
	ActionPolicyCreated      Action = "POLICY_CREATED"
	ActionPolicyUpdated      Action = "POLICY_UPDATED"
	ActionReferralRecorded   Action = "REFERRAL_RECORDED"
	ActionReferralCompleted  Action = "REFERRAL_COMPLETED"
	ActionBatchCreated       Action = "PAYOUT_BATCH_CREATED"
	ActionBatchPaid          Action = "PAYOUT_BATCH_PAID"
)

// ActorType distinguishes human principals from the system itself.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

// SystemActor is recorded when no principal initiated the action.
const SystemActor = "system"

// Entry is an append-only audit record.
type Entry struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Actor      string         `json:"actor"`
	ActorType  ActorType      `json:"actor_type"`
	Action     Action         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Action   Action
	EntityID string
	// AfterID returns entries strictly after this id (ids are time ordered).
	AfterID string
	Limit   int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// EffectiveLimit clamps the filter limit.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

func (f Filter) matches(e Entry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.AfterID != "" && e.ID <= f.AfterID {
		return false
	}
	return true
}

// ErrStoreUnavailable is returned by stores that cannot accept writes.
var ErrStoreUnavailable = errors.New("audit: store unavailable")

// Store persists audit entries. Entries are never updated or deleted.
type Store interface {
	Append(ctx context.Context, scope tenant.Scope, e Entry) error
	List(ctx context.Context, scope tenant.Scope, f Filter) ([]Entry, error)
}

// InMemoryStore keeps entries per tenant.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string][]Entry)}
}

func (s *InMemoryStore) Append(_ context.Context, scope tenant.Scope, e Entry) error {
	if err := scope.Stamp(&e.TenantID, "audit.append"); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[scope.ID()] = append(s.entries[scope.ID()], e)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) List(_ context.Context, scope tenant.Scope, f Filter) ([]Entry, error) {
	if err := scope.Require(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rows := s.entries[scope.ID()]
	out := make([]Entry, 0, len(rows))
	for _, e := range rows {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
