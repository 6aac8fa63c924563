// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/points-gallery/internal/dates"
	"github.com/and161185/points-gallery/internal/model"
)

// CreditParams describes a balance-increasing operation targeted at one bucket.
type CreditParams struct {
	UserID         uuid.UUID
	Bucket         model.Bucket
	Amount         int64
	Type           model.TxType
	Description    string
	Day            dates.Day // day the credit is attributed to (expiring bucket bookkeeping)
	IdempotencyKey string
}

// DebitParams describes a balance-reducing operation split across both buckets.
type DebitParams struct {
	UserID         uuid.UUID
	Amount         int64
	Type           model.TxType
	Description    string
	Day            dates.Day // current day; the only day whose bonus record a debit may touch
	IdempotencyKey string
}

// LedgerRepository is the atomic storage contract behind the points ledger.
// Every mutating method executes as a single all-or-nothing transaction; a
// serialization or lock conflict surfaces as errs.ErrStorageConflict so the
// service layer can retry.
type LedgerRepository interface {
	// GetAccount loads the balance row for a user.
	GetAccount(ctx context.Context, userID uuid.UUID) (*model.Account, error)

	// OpenAccount creates the account with the signup bonus in the permanent
	// bucket and appends the signup transaction. Returns errs.ErrAlreadyExists
	// if the account was opened before.
	OpenAccount(ctx context.Context, userID uuid.UUID, signupBonus int64) (*model.Account, error)

	// Credit adds to one bucket and appends a transaction.
	Credit(ctx context.Context, p CreditParams) (*model.CreditResult, error)

	// Debit draws from the expiring bucket first, then the permanent bucket,
	// updating the current day's bonus record for the expiring share. Fails
	// with *errs.InsufficientFundsError without mutating anything.
	Debit(ctx context.Context, p DebitParams) (*model.DebitResult, error)

	// ClaimDailyBonus grants the once-per-day expiring credit. A same-day
	// repeat returns Granted=false with no mutation.
	ClaimDailyBonus(ctx context.Context, userID uuid.UUID, day dates.Day, amount int64) (*model.BonusGrant, error)

	// BonusClaimed reports whether the user already claimed the bonus for day.
	BonusClaimed(ctx context.Context, userID uuid.UUID, day dates.Day) (bool, error)

	// ExpireDayBatch closes up to limit open bonus records for day, zeroing
	// the matching expiring balances and appending daily_expire transactions.
	// Each call is one independently committed transaction; a batch that finds
	// no open records returns zero stats.
	ExpireDayBatch(ctx context.Context, day dates.Day, limit int32) (*model.ExpiryStats, error)

	// ListTransactions returns the user's transactions, newest first.
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int32) ([]model.Transaction, error)

	// LogGalleryAccess appends a gallery access audit row.
	LogGalleryAccess(ctx context.Context, entry *model.AccessLogEntry) error
}
