package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/points-gallery/internal/dates"
	"github.com/and161185/points-gallery/internal/metrics"
	"github.com/and161185/points-gallery/internal/model"
	"github.com/and161185/points-gallery/internal/repository"
)

const defaultExpiryBatch = 200

// ExpiryService closes out a finished day of expiring-bucket activity.
type ExpiryService struct {
	repo       repository.LedgerRepository
	batchSize  int32
	maxRetries uint64
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewExpiryService constructs the expiry runner.
func NewExpiryService(repo repository.LedgerRepository, batchSize int32, log *zap.Logger, m *metrics.Metrics) *ExpiryService {
	if batchSize <= 0 {
		batchSize = defaultExpiryBatch
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ExpiryService{repo: repo, batchSize: batchSize, maxRetries: defaultMaxRetries, log: log, metrics: m}
}

// RunExpiry forfeits every unused expiring point for day, batch by batch.
// Each batch commits independently; a failure partway through leaves the
// remaining open records for the next run, which is safe because a closed
// record (expired > 0) is never selected again.
func (s *ExpiryService) RunExpiry(ctx context.Context, day dates.Day) (*model.ExpiryStats, error) {
	if day.IsZero() {
		return nil, errors.New("validation: empty day")
	}
	defer func(start time.Time) { s.metrics.ObserveOperation("expiry_run", time.Since(start)) }(time.Now())

	total := &model.ExpiryStats{}
	for {
		var batch *model.ExpiryStats
		err := retryConflicts(ctx, s.maxRetries, func(ctx context.Context) error {
			var e error
			batch, e = s.repo.ExpireDayBatch(ctx, day, s.batchSize)
			return e
		})
		if err != nil {
			s.log.Error("expiry run aborted",
				zap.String("day", day.String()),
				zap.Int64("records_closed", total.RecordsClosed),
				zap.Int64("points_expired", total.PointsExpired),
				zap.Error(err),
			)
			s.metrics.ObserveExpiry("error", total.PointsExpired)
			return total, err
		}
		total.Add(*batch)
		if batch.RecordsClosed == 0 {
			break
		}
	}

	s.log.Info("expiry run complete",
		zap.String("day", day.String()),
		zap.Int64("records_closed", total.RecordsClosed),
		zap.Int64("points_expired", total.PointsExpired),
	)
	s.metrics.ObserveExpiry("ok", total.PointsExpired)
	return total, nil
}
