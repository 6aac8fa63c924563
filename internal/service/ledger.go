// Package service contains application services for the points ledger.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/points-gallery/internal/dates"
	"github.com/and161185/points-gallery/internal/errs"
	"github.com/and161185/points-gallery/internal/metrics"
	"github.com/and161185/points-gallery/internal/model"
	"github.com/and161185/points-gallery/internal/repository"
)

// Domain point amounts. Signup and daily bonus values come from the product,
// not the caller; debit costs are parameterized by the catalog collaborator.
const (
	DefaultSignupBonus = 500
	DefaultDailyBonus  = 60
)

// LedgerService is the only component permitted to mutate account balances.
type LedgerService interface {
	// GetBalance returns both buckets plus whether today's bonus was claimed.
	GetBalance(ctx context.Context, userID uuid.UUID, day dates.Day) (*model.BalanceStatus, error)
	// OpenAccount creates the account with the signup bonus and grants the
	// same-day daily bonus as a second, separately audited transaction.
	OpenAccount(ctx context.Context, userID uuid.UUID, day dates.Day) (*model.Account, *model.BonusGrant, error)
	// Credit adds a positive amount to one named bucket.
	Credit(ctx context.Context, p repository.CreditParams) (*model.CreditResult, error)
	// Debit draws a positive amount, expiring bucket first.
	Debit(ctx context.Context, p repository.DebitParams) (*model.DebitResult, error)
	// History returns the user's transactions, newest first.
	History(ctx context.Context, userID uuid.UUID, limit int32) ([]model.Transaction, error)
}

type LedgerServiceImpl struct {
	repo        repository.LedgerRepository
	signupBonus int64
	dailyBonus  int64
	maxRetries  uint64
	metrics     *metrics.Metrics
}

// NewLedgerService constructs the ledger service with domain bonus amounts.
func NewLedgerService(repo repository.LedgerRepository, signupBonus, dailyBonus int64, m *metrics.Metrics) *LedgerServiceImpl {
	if signupBonus <= 0 {
		signupBonus = DefaultSignupBonus
	}
	if dailyBonus <= 0 {
		dailyBonus = DefaultDailyBonus
	}
	return &LedgerServiceImpl{
		repo:        repo,
		signupBonus: signupBonus,
		dailyBonus:  dailyBonus,
		maxRetries:  defaultMaxRetries,
		metrics:     m,
	}
}

// GetBalance returns the balance snapshot behind GET /points.
func (s *LedgerServiceImpl) GetBalance(ctx context.Context, userID uuid.UUID, day dates.Day) (*model.BalanceStatus, error) {
	if userID == uuid.Nil {
		return nil, errors.New("validation: empty userID")
	}
	acct, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	claimed, err := s.repo.BonusClaimed(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	return &model.BalanceStatus{
		Balance:           model.Balance{Expiring: acct.ExpiringBalance, Permanent: acct.PermanentBalance},
		BonusClaimedToday: claimed,
	}, nil
}

// OpenAccount creates the account and fires the signup-day bonuses.
// The signup bonus and the daily bonus stay separate transactions so each
// remains independently auditable.
func (s *LedgerServiceImpl) OpenAccount(ctx context.Context, userID uuid.UUID, day dates.Day) (*model.Account, *model.BonusGrant, error) {
	if userID == uuid.Nil {
		return nil, nil, errors.New("validation: empty userID")
	}
	if day.IsZero() {
		return nil, nil, errors.New("validation: empty day")
	}

	var acct *model.Account
	err := retryConflicts(ctx, s.maxRetries, func(ctx context.Context) error {
		var e error
		acct, e = s.repo.OpenAccount(ctx, userID, s.signupBonus)
		return e
	})
	if err != nil {
		return nil, nil, err
	}
	s.metrics.IncCredit(string(model.TxSignupBonus), "ok")

	var grant *model.BonusGrant
	err = retryConflicts(ctx, s.maxRetries, func(ctx context.Context) error {
		var e error
		grant, e = s.repo.ClaimDailyBonus(ctx, userID, day, s.dailyBonus)
		return e
	})
	if err != nil {
		// The account exists and holds the signup bonus; the user can still
		// claim the daily bonus explicitly.
		return acct, nil, err
	}
	if grant.Granted {
		acct.ExpiringBalance += grant.Amount
	}
	return acct, grant, nil
}

// Credit validates input and delegates the atomic credit to the repository.
func (s *LedgerServiceImpl) Credit(ctx context.Context, p repository.CreditParams) (*model.CreditResult, error) {
	if p.UserID == uuid.Nil {
		return nil, errors.New("validation: empty userID")
	}
	if p.Amount <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	if !p.Bucket.Valid() {
		return nil, errors.New("validation: unknown bucket")
	}
	if p.Bucket == model.BucketExpiring && p.Day.IsZero() {
		return nil, errors.New("validation: expiring credit requires a day")
	}
	defer func(start time.Time) { s.metrics.ObserveOperation("credit", time.Since(start)) }(time.Now())

	var res *model.CreditResult
	err := retryConflicts(ctx, s.maxRetries, func(ctx context.Context) error {
		var e error
		res, e = s.repo.Credit(ctx, p)
		return e
	})
	if err != nil {
		s.metrics.IncCredit(string(p.Type), "error")
		return nil, err
	}
	s.metrics.IncCredit(string(p.Type), "ok")
	return res, nil
}

// Debit validates input and delegates the atomic priority-ordered debit.
func (s *LedgerServiceImpl) Debit(ctx context.Context, p repository.DebitParams) (*model.DebitResult, error) {
	if p.UserID == uuid.Nil {
		return nil, errors.New("validation: empty userID")
	}
	if p.Amount <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	if p.Day.IsZero() {
		return nil, errors.New("validation: empty day")
	}
	defer func(start time.Time) { s.metrics.ObserveOperation("debit", time.Since(start)) }(time.Now())

	var res *model.DebitResult
	err := retryConflicts(ctx, s.maxRetries, func(ctx context.Context) error {
		var e error
		res, e = s.repo.Debit(ctx, p)
		return e
	})
	if err != nil {
		if _, ok := errs.IsInsufficientFunds(err); ok {
			s.metrics.IncDebit(string(p.Type), "insufficient")
		} else {
			s.metrics.IncDebit(string(p.Type), "error")
		}
		return nil, err
	}
	s.metrics.IncDebit(string(p.Type), "ok")
	return res, nil
}

// History returns the user's transactions, newest first.
func (s *LedgerServiceImpl) History(ctx context.Context, userID uuid.UUID, limit int32) ([]model.Transaction, error) {
	if userID == uuid.Nil {
		return nil, errors.New("validation: empty userID")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.repo.ListTransactions(ctx, userID, limit)
}
