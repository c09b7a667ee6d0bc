package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/tenant"
)

var day = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*Ledger, *audit.InMemoryStore) {
	t.Helper()
	trail := audit.NewInMemoryStore()
	return NewLedger(NewInMemory(), audit.NewRecorder(trail)), trail
}

func completed(t *testing.T, l *Ledger, scope tenant.Scope, code, tx, currency string, amount int64, at time.Time) Referral {
	t.Helper()
	ctx := context.Background()
	r, err := l.RecordReferral(ctx, scope, "admin", Referral{AffiliateCode: code, TransactionID: tx, Currency: currency, Commission: amount})
	if err != nil {
		t.Fatalf("RecordReferral: %v", err)
	}
	r, err = l.CompleteReferral(ctx, scope, "admin", r.ID, at)
	if err != nil {
		t.Fatalf("CompleteReferral: %v", err)
	}
	return r
}

func TestRecordReferralValidation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	for i, r := range []Referral{
		{TransactionID: "t1", Currency: "USD", Commission: 10},
		{AffiliateCode: "A", Currency: "USD", Commission: 10},
		{AffiliateCode: "A", TransactionID: "t1", Currency: "US", Commission: 10},
		{AffiliateCode: "A", TransactionID: "t1", Currency: "USD", Commission: 0},
	} {
		if _, err := l.RecordReferral(ctx, scope, "admin", r); !errors.Is(err, ErrInvalidReferral) {
			t.Fatalf("case %d: expected ErrInvalidReferral, got %v", i, err)
		}
	}
	if _, err := l.RecordReferral(ctx, scope, "admin", Referral{AffiliateCode: "A", TransactionID: "t1", Currency: "usd", Commission: 10}); err != nil {
		t.Fatalf("RecordReferral: %v", err)
	}
	if _, err := l.RecordReferral(ctx, scope, "admin", Referral{AffiliateCode: "B", TransactionID: "t1", Currency: "USD", Commission: 5}); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}
}

func TestCreateBatchSelectsPeriodAndSums(t *testing.T) {
	l, trail := newLedger(t)
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	completed(t, l, scope, "B", "t1", "USD", 500, day.Add(time.Hour))
	completed(t, l, scope, "A", "t2", "USD", 250, day.Add(2*time.Hour))
	completed(t, l, scope, "A", "t3", "EUR", 100, day.Add(3*time.Hour))
	completed(t, l, scope, "A", "t4", "USD", 999, day.Add(24*time.Hour)) // outside [start, end)
	if _, err := l.RecordReferral(ctx, scope, "admin", Referral{AffiliateCode: "C", TransactionID: "t5", Currency: "USD", Commission: 1}); err != nil {
		t.Fatalf("RecordReferral: %v", err)
	}

	b, err := l.CreateBatch(ctx, scope, "admin", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if b.Status != BatchPending || b.ReferralCount != 3 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	if b.Totals["USD"] != 750 || b.Totals["EUR"] != 100 || len(b.Totals) != 2 {
		t.Fatalf("unexpected totals: %v", b.Totals)
	}

	rows, err := l.Export(ctx, scope, b.ID)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	want := []ExportRow{
		{AffiliateCode: "A", Currency: "EUR", ReferralCount: 1, TotalCommission: 100},
		{AffiliateCode: "A", Currency: "USD", ReferralCount: 1, TotalCommission: 250},
		{AffiliateCode: "B", Currency: "USD", ReferralCount: 1, TotalCommission: 500},
	}
	if len(rows) != len(want) {
		t.Fatalf("unexpected export: %+v", rows)
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("row %d: got %+v want %+v", i, rows[i], want[i])
		}
	}

	if _, err := l.CreateBatch(ctx, scope, "admin", day, day.Add(24*time.Hour)); !errors.Is(err, ErrNothingToBatch) {
		t.Fatalf("overlapping batch must find nothing, got %v", err)
	}
	next, err := l.CreateBatch(ctx, scope, "admin", day, day.Add(48*time.Hour))
	if err != nil || next.ReferralCount != 1 || next.Totals["USD"] != 999 {
		t.Fatalf("overlapping range must pick up only unassigned referrals: %+v %v", next, err)
	}

	entries, _ := trail.List(ctx, scope, audit.Filter{Action: audit.ActionBatchCreated})
	if len(entries) != 2 {
		t.Fatalf("expected two PAYOUT_BATCH_CREATED entries, got %d", len(entries))
	}
}

func TestMarkPaidTransitions(t *testing.T) {
	l, trail := newLedger(t)
	ctx := context.Background()
	scope := tenant.MustBind("school-a")
	completed(t, l, scope, "A", "t1", "USD", 100, day)

	b, err := l.CreateBatch(ctx, scope, "admin", day, day.Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	paid, err := l.MarkPaid(ctx, scope, "admin", b.ID)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if paid.Status != BatchCompleted || paid.PaidAt == nil {
		t.Fatalf("unexpected paid batch: %+v", paid)
	}
	if _, err := l.MarkPaid(ctx, scope, "admin", b.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := l.MarkPaid(ctx, scope, "admin", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	refs, _ := l.store.BatchReferrals(ctx, scope, b.ID)
	if len(refs) != 1 || refs[0].Status != ReferralPaid {
		t.Fatalf("referrals must be paid: %+v", refs)
	}
	if _, err := l.CompleteReferral(ctx, scope, "admin", refs[0].ID, time.Time{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("paid referral must not be completed again, got %v", err)
	}
	entries, _ := trail.List(ctx, scope, audit.Filter{Action: audit.ActionBatchPaid})
	if len(entries) != 1 {
		t.Fatalf("expected one PAYOUT_BATCH_PAID entry, got %d", len(entries))
	}
}

func TestConcurrentBatchesNeverShareReferrals(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	scope := tenant.MustBind("school-a")
	for i := 0; i < 40; i++ {
		completed(t, l, scope, fmt.Sprintf("AFF%02d", i%5), fmt.Sprintf("tx-%d", i), "USD", 10, day.Add(time.Duration(i)*time.Minute))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		batches []Batch
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := l.CreateBatch(ctx, scope, "admin", day, day.Add(time.Hour))
			if err != nil {
				if !errors.Is(err, ErrNothingToBatch) {
					t.Errorf("CreateBatch: %v", err)
				}
				return
			}
			mu.Lock()
			batches = append(batches, b)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[string]string)
	total := 0
	for _, b := range batches {
		refs, _ := l.store.BatchReferrals(ctx, scope, b.ID)
		for _, r := range refs {
			if other, ok := seen[r.ID]; ok {
				t.Fatalf("referral %s in batches %s and %s", r.ID, other, b.ID)
			}
			seen[r.ID] = b.ID
		}
		total += b.ReferralCount
	}
	if total != 40 {
		t.Fatalf("expected all 40 referrals batched exactly once, got %d", total)
	}
}

func TestBatchesAreTenantScoped(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	a := tenant.MustBind("school-a")
	b := tenant.MustBind("school-b")
	completed(t, l, a, "A", "t1", "USD", 100, day)

	if _, err := l.CreateBatch(ctx, b, "admin", day, day.Add(time.Hour)); !errors.Is(err, ErrNothingToBatch) {
		t.Fatalf("tenant b must not batch tenant a referrals, got %v", err)
	}
	batch, err := l.CreateBatch(ctx, a, "admin", day, day.Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if _, err := l.Export(ctx, b, batch.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tenant b must not export tenant a batch, got %v", err)
	}
	if _, err := l.CreateBatch(ctx, a, "admin", day, day); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}
