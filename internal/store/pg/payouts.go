package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coursekeep.org/internal/payout"
	"coursekeep.org/internal/tenant"
)

var _ payout.Store = (*Payouts)(nil)

// Payouts is the Postgres referral and payout batch store.
type Payouts struct {
	db *sql.DB
}

// Payouts returns the payout store backed by this store.
func (s *Store) Payouts() *Payouts { return &Payouts{db: s.db} }

const referralColumns = `id, tenant_id, affiliate_code, transaction_id, currency, commission, status, created_at, completed_at, batch_id`

const batchColumns = `id, tenant_id, period_start, period_end, status, totals, referral_count, created_at, created_by, paid_at`

func scanReferral(row interface{ Scan(...any) error }) (payout.Referral, error) {
	var (
		r           payout.Referral
		status      string
		completedAt sql.NullTime
		batchID     sql.NullString
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.AffiliateCode, &r.TransactionID, &r.Currency, &r.Commission,
		&status, &r.CreatedAt, &completedAt, &batchID)
	if err != nil {
		return payout.Referral{}, err
	}
	r.Status = payout.ReferralStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.CompletedAt = timePtr(completedAt)
	r.BatchID = batchID.String
	return r, nil
}

func scanBatch(row interface{ Scan(...any) error }) (payout.Batch, error) {
	var (
		b         payout.Batch
		status    string
		rawTotals []byte
		createdBy sql.NullString
		paidAt    sql.NullTime
	)
	err := row.Scan(&b.ID, &b.TenantID, &b.PeriodStart, &b.PeriodEnd, &status, &rawTotals,
		&b.ReferralCount, &b.CreatedAt, &createdBy, &paidAt)
	if err != nil {
		return payout.Batch{}, err
	}
	b.Status = payout.BatchStatus(status)
	b.Totals = map[string]int64{}
	if len(rawTotals) > 0 {
		if err := json.Unmarshal(rawTotals, &b.Totals); err != nil {
			return payout.Batch{}, fmt.Errorf("decode totals: %w", err)
		}
	}
	b.PeriodStart = b.PeriodStart.UTC()
	b.PeriodEnd = b.PeriodEnd.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.CreatedBy = createdBy.String
	b.PaidAt = timePtr(paidAt)
	return b, nil
}

func (s *Payouts) InsertReferral(ctx context.Context, scope tenant.Scope, r payout.Referral) (payout.Referral, error) {
	if err := scope.Stamp(&r.TenantID, "pg.payouts.referral.insert"); err != nil {
		return payout.Referral{}, err
	}
	stored, err := scanReferral(s.db.QueryRowContext(ctx, `
		insert into referrals (id, tenant_id, affiliate_code, transaction_id, currency, commission, status, created_at, completed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+referralColumns,
		r.ID, r.TenantID, r.AffiliateCode, r.TransactionID, r.Currency, r.Commission,
		string(r.Status), r.CreatedAt.UTC(), nullTime(r.CompletedAt)))
	if err != nil {
		if isUniqueViolation(err) {
			return payout.Referral{}, payout.ErrDuplicateTransaction
		}
		return payout.Referral{}, err
	}
	return stored, nil
}

func (s *Payouts) getReferral(ctx context.Context, scope tenant.Scope, id string) (payout.Referral, error) {
	r, err := scanReferral(s.db.QueryRowContext(ctx, `
		select `+referralColumns+` from referrals where tenant_id = $1 and id = $2
	`, scope.ID(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return payout.Referral{}, payout.ErrNotFound
	}
	return r, err
}

func (s *Payouts) CompleteReferral(ctx context.Context, scope tenant.Scope, id string, at time.Time) (payout.Referral, error) {
	if err := scope.Require(); err != nil {
		return payout.Referral{}, err
	}
	r, err := scanReferral(s.db.QueryRowContext(ctx, `
		update referrals set status = 'completed', completed_at = $3
		where tenant_id = $1 and id = $2 and status = 'pending'
		returning `+referralColumns, scope.ID(), id, at.UTC()))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return payout.Referral{}, err
	}
	existing, err := s.getReferral(ctx, scope, id)
	if err != nil {
		return payout.Referral{}, err
	}
	if existing.Status == payout.ReferralCompleted {
		return existing, nil
	}
	return payout.Referral{}, payout.ErrInvalidTransition
}

// CreateBatch stamps eligible referrals inside one transaction. Rows locked
// by a concurrent batch are skipped, so a referral lands in at most one batch.
func (s *Payouts) CreateBatch(ctx context.Context, scope tenant.Scope, b payout.Batch) (out payout.Batch, err error) {
	if err := scope.Stamp(&b.TenantID, "pg.payouts.batch.create"); err != nil {
		return payout.Batch{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return payout.Batch{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		insert into payout_batches (id, tenant_id, period_start, period_end, status, totals, referral_count, created_at, created_by)
		values ($1, $2, $3, $4, 'PENDING', '{}'::jsonb, 0, $5, $6)
	`, b.ID, b.TenantID, b.PeriodStart.UTC(), b.PeriodEnd.UTC(), b.CreatedAt.UTC(), nullIfEmpty(b.CreatedBy)); err != nil {
		return payout.Batch{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		with picked as (
			select id from referrals
			where tenant_id = $1 and status = 'completed' and batch_id is null
				and completed_at >= $2 and completed_at < $3
			order by id
			for update skip locked
		)
		update referrals r set batch_id = $4, status = 'batched'
		from picked
		where r.id = picked.id and r.batch_id is null
		returning r.currency, r.commission
	`, b.TenantID, b.PeriodStart.UTC(), b.PeriodEnd.UTC(), b.ID)
	if err != nil {
		return payout.Batch{}, err
	}
	totals := make(map[string]int64)
	count := 0
	for rows.Next() {
		var (
			currency   string
			commission int64
		)
		if err = rows.Scan(&currency, &commission); err != nil {
			rows.Close()
			return payout.Batch{}, err
		}
		totals[currency] += commission
		count++
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return payout.Batch{}, err
	}
	rows.Close()
	if count == 0 {
		err = payout.ErrNothingToBatch
		return payout.Batch{}, err
	}

	rawTotals, err := json.Marshal(totals)
	if err != nil {
		return payout.Batch{}, err
	}
	out, err = scanBatch(tx.QueryRowContext(ctx, `
		update payout_batches set totals = $3, referral_count = $4
		where tenant_id = $1 and id = $2
		returning `+batchColumns, b.TenantID, b.ID, rawTotals, count))
	if err != nil {
		return payout.Batch{}, err
	}
	if err = tx.Commit(); err != nil {
		return payout.Batch{}, err
	}
	return out, nil
}

func (s *Payouts) MarkPaid(ctx context.Context, scope tenant.Scope, batchID string, at time.Time) (out payout.Batch, err error) {
	if err := scope.Require(); err != nil {
		return payout.Batch{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return payout.Batch{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	out, err = scanBatch(tx.QueryRowContext(ctx, `
		update payout_batches set status = 'COMPLETED', paid_at = $3
		where tenant_id = $1 and id = $2 and status = 'PENDING'
		returning `+batchColumns, scope.ID(), batchID, at.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRowContext(ctx, `
			select exists(select 1 from payout_batches where tenant_id = $1 and id = $2)
		`, scope.ID(), batchID).Scan(&exists); qerr != nil {
			err = qerr
			return payout.Batch{}, err
		}
		if exists {
			err = payout.ErrInvalidTransition
		} else {
			err = payout.ErrNotFound
		}
		return payout.Batch{}, err
	}
	if err != nil {
		return payout.Batch{}, err
	}
	if _, err = tx.ExecContext(ctx, `
		update referrals set status = 'paid' where tenant_id = $1 and batch_id = $2
	`, scope.ID(), batchID); err != nil {
		return payout.Batch{}, err
	}
	if err = tx.Commit(); err != nil {
		return payout.Batch{}, err
	}
	return out, nil
}

func (s *Payouts) GetBatch(ctx context.Context, scope tenant.Scope, batchID string) (payout.Batch, error) {
	if err := scope.Require(); err != nil {
		return payout.Batch{}, err
	}
	b, err := scanBatch(s.db.QueryRowContext(ctx, `
		select `+batchColumns+` from payout_batches where tenant_id = $1 and id = $2
	`, scope.ID(), batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return payout.Batch{}, payout.ErrNotFound
	}
	return b, err
}

func (s *Payouts) BatchReferrals(ctx context.Context, scope tenant.Scope, batchID string) ([]payout.Referral, error) {
	if err := scope.Require(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+referralColumns+` from referrals
		where tenant_id = $1 and batch_id = $2
		order by id
	`, scope.ID(), batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payout.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
