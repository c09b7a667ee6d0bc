package payout

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ReferralStatus tracks a referral through batching.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
	ReferralBatched   ReferralStatus = "batched"
	ReferralPaid      ReferralStatus = "paid"
)

// Referral is an affiliate commission earned on one transaction.
// Commission is in minor units of Currency.
type Referral struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	AffiliateCode string         `json:"affiliate_code"`
	TransactionID string         `json:"transaction_id"`
	Currency      string         `json:"currency"`
	Commission    int64          `json:"commission"`
	Status        ReferralStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	BatchID       string         `json:"batch_id,omitempty"`
}

// BatchStatus of a payout run.
type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchCompleted BatchStatus = "COMPLETED"
)

// Batch groups referrals paid out together.
type Batch struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	PeriodStart   time.Time        `json:"period_start"`
	PeriodEnd     time.Time        `json:"period_end"`
	Status        BatchStatus      `json:"status"`
	Totals        map[string]int64 `json:"totals"`
	ReferralCount int              `json:"referral_count"`
	CreatedAt     time.Time        `json:"created_at"`
	CreatedBy     string           `json:"created_by,omitempty"`
	PaidAt        *time.Time       `json:"paid_at,omitempty"`
}

// ExportRow is one reconciliation line per affiliate and currency.
type ExportRow struct {
	AffiliateCode   string `json:"affiliate_code"`
	Currency        string `json:"currency"`
	ReferralCount   int    `json:"referral_count"`
	TotalCommission int64  `json:"total_commission"`
}

// Normalize validates a new referral.
func (r Referral) Normalize() (Referral, error) {
	r.AffiliateCode = strings.TrimSpace(r.AffiliateCode)
	r.TransactionID = strings.TrimSpace(r.TransactionID)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	switch {
	case r.AffiliateCode == "":
		return Referral{}, fmt.Errorf("%w: affiliate_code is required", ErrInvalidReferral)
	case r.TransactionID == "":
		return Referral{}, fmt.Errorf("%w: transaction_id is required", ErrInvalidReferral)
	case len(r.Currency) != 3:
		return Referral{}, fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidReferral)
	case r.Commission <= 0:
		return Referral{}, fmt.Errorf("%w: commission must be > 0", ErrInvalidReferral)
	}
	return r, nil
}

// Eligible reports whether the referral can join a batch for [start, end).
func (r Referral) Eligible(start, end time.Time) bool {
	if r.Status != ReferralCompleted || r.BatchID != "" || r.CompletedAt == nil {
		return false
	}
	return !r.CompletedAt.Before(start) && r.CompletedAt.Before(end)
}

// Totals sums commissions per currency.
func Totals(refs []Referral) map[string]int64 {
	out := make(map[string]int64)
	for _, r := range refs {
		out[r.Currency] += r.Commission
	}
	return out
}

// Export flattens referrals into rows sorted by affiliate code then currency.
func Export(refs []Referral) []ExportRow {
	type key struct{ code, currency string }
	acc := make(map[key]*ExportRow)
	for _, r := range refs {
		k := key{r.AffiliateCode, r.Currency}
		row, ok := acc[k]
		if !ok {
			row = &ExportRow{AffiliateCode: r.AffiliateCode, Currency: r.Currency}
			acc[k] = row
		}
		row.ReferralCount++
		row.TotalCommission += r.Commission
	}
	out := make([]ExportRow, 0, len(acc))
	for _, row := range acc {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AffiliateCode != out[j].AffiliateCode {
			return out[i].AffiliateCode < out[j].AffiliateCode
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

var (
	ErrInvalidReferral      = errors.New("payout: invalid referral")
	ErrDuplicateTransaction = errors.New("payout: transaction already referred")
	ErrInvalidPeriod        = errors.New("payout: invalid period")
	ErrNothingToBatch       = errors.New("payout: no eligible referrals in period")
	ErrInvalidTransition    = errors.New("payout: invalid status transition")
	ErrNotFound             = errors.New("payout: not found")
)
