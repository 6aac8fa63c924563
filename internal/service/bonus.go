package service

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/points-gallery/internal/dates"
	"github.com/and161185/points-gallery/internal/metrics"
	"github.com/and161185/points-gallery/internal/model"
	"github.com/and161185/points-gallery/internal/repository"
)

// BonusService grants the once-per-day login bonus.
type BonusService interface {
	// Claim grants today's bonus; a same-day repeat is a successful no-op
	// with Granted=false.
	Claim(ctx context.Context, userID uuid.UUID, day dates.Day) (*model.BonusGrant, error)
}

type BonusServiceImpl struct {
	repo       repository.LedgerRepository
	amount     int64
	maxRetries uint64
	metrics    *metrics.Metrics
}

// NewBonusService constructs the daily bonus service.
func NewBonusService(repo repository.LedgerRepository, amount int64, m *metrics.Metrics) *BonusServiceImpl {
	if amount <= 0 {
		amount = DefaultDailyBonus
	}
	return &BonusServiceImpl{repo: repo, amount: amount, maxRetries: defaultMaxRetries, metrics: m}
}

// Claim grants the bonus for day. The record creation and the expiring
// credit happen inside one repository transaction, so neither can be
// observed without the other.
func (s *BonusServiceImpl) Claim(ctx context.Context, userID uuid.UUID, day dates.Day) (*model.BonusGrant, error) {
	if userID == uuid.Nil {
		return nil, errors.New("validation: empty userID")
	}
	if day.IsZero() {
		return nil, errors.New("validation: empty day")
	}

	var grant *model.BonusGrant
	err := retryConflicts(ctx, s.maxRetries, func(ctx context.Context) error {
		var e error
		grant, e = s.repo.ClaimDailyBonus(ctx, userID, day, s.amount)
		return e
	})
	if err != nil {
		s.metrics.IncBonusClaim("error")
		return nil, err
	}
	if grant.Granted {
		s.metrics.IncBonusClaim("granted")
	} else {
		s.metrics.IncBonusClaim("repeat")
	}
	return grant, nil
}
