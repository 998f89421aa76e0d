package storage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/observability"
)

// runWithRetry calls attempt until it returns something other than
// errConflict, backing off exponentially between tries.
func runWithRetry(ctx context.Context, opts Options, attempt func() error) error {
	delay := opts.TxBackoff
	for i := 1; i <= opts.MaxTxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		observability.TxAttempts.Inc()
		err := attempt()
		if !errors.Is(err, errConflict) {
			return err
		}
		observability.TxConflicts.Inc()
		opts.Logger.Debug("transaction conflict, retrying", zap.Int("attempt", i), zap.Duration("backoff", delay))
		if i == opts.MaxTxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	opts.Logger.Warn("transaction gave up", zap.Int("attempts", opts.MaxTxAttempts))
	return apperr.Newf(apperr.Contention, "storage.RunTransaction", "gave up after %d attempts", opts.MaxTxAttempts)
}
