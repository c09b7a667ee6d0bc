package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/ids"
	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/tenant"
)

// Event is the caller-supplied part of an entry.
type Event struct {
	Actor      string
	Action     Action
	EntityType string
	EntityID   string
	Metadata   map[string]any
}

// Sink mirrors persisted entries elsewhere. Sink failures never fail a write.
type Sink interface {
	Publish(ctx context.Context, e Entry) error
}

// Recorder appends audit entries to the store and mirrors them to sinks.
type Recorder struct {
	store Store
	sinks []Sink
	now   func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSink adds a mirror sink.
func WithSink(s Sink) RecorderOption {
	return func(r *Recorder) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a recorder over the store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one entry. On failure the event is written to the structured
// log and the error is returned so the caller decides whether to degrade.
func (r *Recorder) Record(ctx context.Context, scope tenant.Scope, ev Event) (Entry, error) {
	if err := scope.Require(); err != nil {
		return Entry{}, err
	}
	if strings.TrimSpace(string(ev.Action)) == "" {
		return Entry{}, fmt.Errorf("audit: action is required")
	}
	now := r.now().UTC()
	entry := Entry{
		ID:         ids.At(now),
		TenantID:   scope.ID(),
		Actor:      strings.TrimSpace(ev.Actor),
		ActorType:  ActorUser,
		Action:     ev.Action,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Metadata:   ev.Metadata,
		RequestID:  RequestIDFromContext(ctx),
		OccurredAt: now,
	}
	if entry.Actor == "" {
		if id, ok := auth.PrincipalIDFromContext(ctx); ok {
			entry.Actor = id
		} else {
			entry.Actor = SystemActor
		}
	}
	if entry.Actor == SystemActor {
		entry.ActorType = ActorSystem
	}

	if err := r.store.Append(ctx, scope, entry); err != nil {
		obs.AuditWriteFailures.Inc()
		_ = LogEvent(ctx, "audit.write_failed", map[string]any{
			"tenant_id": scope.ID(),
			"action":    string(entry.Action),
			"entity_id": entry.EntityID,
			"error":     err.Error(),
		})
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}

	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, entry); err != nil {
			obs.LogError("audit", "sink publish failed", err, map[string]any{
				"tenant_id": scope.ID(),
				"action":    string(entry.Action),
			})
		}
	}
	return entry, nil
}

// List reads the tenant's audit trail.
func (r *Recorder) List(ctx context.Context, scope tenant.Scope, f Filter) ([]Entry, error) {
	rows, err := r.store.List(ctx, scope, f)
	if err != nil {
		return nil, err
	}
	return tenant.Strip(scope, "audit.list", rows, func(e Entry) string { return e.TenantID }), nil
}
