package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/and161185/points-gallery/internal/errs"
)

const defaultMaxRetries = 3

// retryConflicts runs op, retrying a bounded number of times on transient
// store conflicts. Retrying is safe here because every repository operation
// is all-or-nothing: a conflicting attempt left no partial state behind.
// Exhausted retries surface as ErrServiceUnavailable.
func retryConflicts(ctx context.Context, attempts uint64, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(attempts, retry.NewExponential(10*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			if errors.Is(err, errs.ErrStorageConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if errors.Is(err, errs.ErrStorageConflict) {
		return fmt.Errorf("%w: %v", errs.ErrServiceUnavailable, err)
	}
	return err
}
