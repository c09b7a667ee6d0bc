package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/ids"
	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/tenant"
)

// Recorder is the audit dependency of the ledger.
type Recorder interface {
	Record(ctx context.Context, scope tenant.Scope, ev audit.Event) (audit.Entry, error)
}

// Ledger records affiliate referrals and batches them into payouts.
type Ledger struct {
	store    Store
	recorder Recorder
	now      func() time.Time
}

// Option configures the Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLedger constructs a payout ledger.
func NewLedger(store Store, recorder Recorder, opts ...Option) *Ledger {
	l := &Ledger{store: store, recorder: recorder, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordReferral stores a pending referral.
func (l *Ledger) RecordReferral(ctx context.Context, scope tenant.Scope, actor string, r Referral) (Referral, error) {
	if err := scope.Require(); err != nil {
		return Referral{}, err
	}
	r, err := r.Normalize()
	if err != nil {
		return Referral{}, err
	}
	now := l.now().UTC()
	r.ID = ids.At(now)
	r.Status = ReferralPending
	r.CreatedAt = now
	r.CompletedAt = nil
	r.BatchID = ""
	if err := scope.Stamp(&r.TenantID, "payout.referral"); err != nil {
		return Referral{}, err
	}
	stored, err := l.store.InsertReferral(ctx, scope, r)
	if err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			return Referral{}, err
		}
		return Referral{}, fmt.Errorf("insert referral: %w", err)
	}
	l.record(ctx, scope, actor, audit.ActionReferralRecorded, "referral", stored.ID, map[string]any{
		"affiliate_code": stored.AffiliateCode,
		"transaction_id": stored.TransactionID,
		"currency":       stored.Currency,
		"commission":     stored.Commission,
	})
	return stored, nil
}

// CompleteReferral marks the referral's transaction completed at at, or now
// when at is zero.
func (l *Ledger) CompleteReferral(ctx context.Context, scope tenant.Scope, actor, id string, at time.Time) (Referral, error) {
	if err := scope.Require(); err != nil {
		return Referral{}, err
	}
	if at.IsZero() {
		at = l.now()
	}
	r, err := l.store.CompleteReferral(ctx, scope, strings.TrimSpace(id), at.UTC())
	if err != nil {
		return Referral{}, err
	}
	l.record(ctx, scope, actor, audit.ActionReferralCompleted, "referral", r.ID, map[string]any{
		"completed_at": r.CompletedAt,
	})
	return r, nil
}

// CreateBatch batches completed, unassigned referrals with completion time
// in [start, end).
func (l *Ledger) CreateBatch(ctx context.Context, scope tenant.Scope, actor string, start, end time.Time) (b Batch, err error) {
	ctx, span := obs.StartPayoutSpan(ctx, "payout.create_batch", scope.ID())
	defer func() { obs.EndSpan(span, err) }()

	if err := scope.Require(); err != nil {
		return Batch{}, err
	}
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return Batch{}, fmt.Errorf("%w: period_end must be after period_start", ErrInvalidPeriod)
	}
	now := l.now().UTC()
	b, err = l.store.CreateBatch(ctx, scope, Batch{
		ID:          ids.At(now),
		TenantID:    scope.ID(),
		PeriodStart: start.UTC(),
		PeriodEnd:   end.UTC(),
		Status:      BatchPending,
		CreatedAt:   now,
		CreatedBy:   actor,
	})
	if err != nil {
		if errors.Is(err, ErrNothingToBatch) {
			return Batch{}, err
		}
		return Batch{}, fmt.Errorf("create batch: %w", err)
	}
	if err := scope.Check(b.TenantID, "payout.batch"); err != nil {
		return Batch{}, err
	}
	obs.PayoutBatches.WithLabelValues("created").Inc()
	l.record(ctx, scope, actor, audit.ActionBatchCreated, "payout_batch", b.ID, map[string]any{
		"period_start":   b.PeriodStart,
		"period_end":     b.PeriodEnd,
		"referral_count": b.ReferralCount,
		"totals":         b.Totals,
	})
	return b, nil
}

// MarkPaid completes a pending batch and marks its referrals paid.
func (l *Ledger) MarkPaid(ctx context.Context, scope tenant.Scope, actor, batchID string) (b Batch, err error) {
	ctx, span := obs.StartPayoutSpan(ctx, "payout.mark_paid", scope.ID())
	defer func() { obs.EndSpan(span, err) }()

	if err := scope.Require(); err != nil {
		return Batch{}, err
	}
	b, err = l.store.MarkPaid(ctx, scope, strings.TrimSpace(batchID), l.now().UTC())
	if err != nil {
		return Batch{}, err
	}
	obs.PayoutBatches.WithLabelValues("paid").Inc()
	l.record(ctx, scope, actor, audit.ActionBatchPaid, "payout_batch", b.ID, map[string]any{
		"referral_count": b.ReferralCount,
		"totals":         b.Totals,
	})
	return b, nil
}

// Export produces the reconciliation rows of a batch. It never changes state.
func (l *Ledger) Export(ctx context.Context, scope tenant.Scope, batchID string) ([]ExportRow, error) {
	if err := scope.Require(); err != nil {
		return nil, err
	}
	batchID = strings.TrimSpace(batchID)
	if _, err := l.store.GetBatch(ctx, scope, batchID); err != nil {
		return nil, err
	}
	refs, err := l.store.BatchReferrals(ctx, scope, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch referrals: %w", err)
	}
	refs = tenant.Strip(scope, "payout.export", refs, func(r Referral) string { return r.TenantID })
	return Export(refs), nil
}

// Batch returns a batch by id.
func (l *Ledger) Batch(ctx context.Context, scope tenant.Scope, batchID string) (Batch, error) {
	if err := scope.Require(); err != nil {
		return Batch{}, err
	}
	return l.store.GetBatch(ctx, scope, strings.TrimSpace(batchID))
}

func (l *Ledger) record(ctx context.Context, scope tenant.Scope, actor string, action audit.Action, entityType, id string, meta map[string]any) {
	if l.recorder == nil {
		return
	}
	_, err := l.recorder.Record(ctx, scope, audit.Event{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   id,
		Metadata:   meta,
	})
	if err != nil {
		obs.LogError("payout", "audit record failed", err, map[string]any{"tenant_id": scope.ID(), "action": string(action)})
	}
}
