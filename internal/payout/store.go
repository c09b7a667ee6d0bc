package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"coursekeep.org/internal/tenant"
)

// Store persists referrals and batches.
type Store interface {
	InsertReferral(ctx context.Context, scope tenant.Scope, r Referral) (Referral, error)
	CompleteReferral(ctx context.Context, scope tenant.Scope, id string, at time.Time) (Referral, error)
	// CreateBatch selects eligible referrals, stores b with their totals and
	// stamps every selected referral with the batch id in one atomic step.
	CreateBatch(ctx context.Context, scope tenant.Scope, b Batch) (Batch, error)
	MarkPaid(ctx context.Context, scope tenant.Scope, batchID string, at time.Time) (Batch, error)
	GetBatch(ctx context.Context, scope tenant.Scope, batchID string) (Batch, error)
	BatchReferrals(ctx context.Context, scope tenant.Scope, batchID string) ([]Referral, error)
}

type tenantBook struct {
	referrals map[string]*Referral
	byTx      map[string]string
	batches   map[string]*Batch
}

// InMemory implements Store under a single mutex, which makes stamping exclusive.
type InMemory struct {
	mu    sync.Mutex
	books map[string]*tenantBook
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{books: make(map[string]*tenantBook)}
}

func (s *InMemory) book(id string) *tenantBook {
	b, ok := s.books[id]
	if !ok {
		b = &tenantBook{
			referrals: make(map[string]*Referral),
			byTx:      make(map[string]string),
			batches:   make(map[string]*Batch),
		}
		s.books[id] = b
	}
	return b
}

func (s *InMemory) InsertReferral(_ context.Context, scope tenant.Scope, r Referral) (Referral, error) {
	if err := scope.Stamp(&r.TenantID, "payout.referral.insert"); err != nil {
		return Referral{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(scope.ID())
	if _, ok := b.byTx[r.TransactionID]; ok {
		return Referral{}, ErrDuplicateTransaction
	}
	stored := r
	b.referrals[r.ID] = &stored
	b.byTx[r.TransactionID] = r.ID
	return stored, nil
}

func (s *InMemory) CompleteReferral(_ context.Context, scope tenant.Scope, id string, at time.Time) (Referral, error) {
	if err := scope.Require(); err != nil {
		return Referral{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.book(scope.ID()).referrals[id]
	if !ok {
		return Referral{}, ErrNotFound
	}
	switch r.Status {
	case ReferralCompleted:
		return *r, nil
	case ReferralPending:
		completed := at
		r.Status = ReferralCompleted
		r.CompletedAt = &completed
		return *r, nil
	default:
		return Referral{}, ErrInvalidTransition
	}
}

func (s *InMemory) CreateBatch(_ context.Context, scope tenant.Scope, batch Batch) (Batch, error) {
	if err := scope.Stamp(&batch.TenantID, "payout.batch.create"); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(scope.ID())

	var selected []*Referral
	for _, r := range b.referrals {
		if r.Eligible(batch.PeriodStart, batch.PeriodEnd) {
			selected = append(selected, r)
		}
	}
	if len(selected) == 0 {
		return Batch{}, ErrNothingToBatch
	}
	batch.Totals = make(map[string]int64)
	for _, r := range selected {
		r.BatchID = batch.ID
		r.Status = ReferralBatched
		batch.Totals[r.Currency] += r.Commission
	}
	batch.ReferralCount = len(selected)
	stored := batch
	b.batches[batch.ID] = &stored
	return copyBatch(stored), nil
}

func (s *InMemory) MarkPaid(_ context.Context, scope tenant.Scope, batchID string, at time.Time) (Batch, error) {
	if err := scope.Require(); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(scope.ID())
	batch, ok := b.batches[batchID]
	if !ok {
		return Batch{}, ErrNotFound
	}
	if batch.Status != BatchPending {
		return Batch{}, ErrInvalidTransition
	}
	paid := at
	batch.Status = BatchCompleted
	batch.PaidAt = &paid
	for _, r := range b.referrals {
		if r.BatchID == batchID {
			r.Status = ReferralPaid
		}
	}
	return copyBatch(*batch), nil
}

func (s *InMemory) GetBatch(_ context.Context, scope tenant.Scope, batchID string) (Batch, error) {
	if err := scope.Require(); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.book(scope.ID()).batches[batchID]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return copyBatch(*batch), nil
}

func (s *InMemory) BatchReferrals(_ context.Context, scope tenant.Scope, batchID string) ([]Referral, error) {
	if err := scope.Require(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Referral
	for _, r := range s.book(scope.ID()).referrals {
		if r.BatchID == batchID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyBatch(b Batch) Batch {
	totals := make(map[string]int64, len(b.Totals))
	for k, v := range b.Totals {
		totals[k] = v
	}
	b.Totals = totals
	return b
}
