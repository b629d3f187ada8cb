package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ConnectWithRetry calls connect until it succeeds, waiting delay between
// attempts. It never gives up on its own; only ctx cancellation stops it.
func ConnectWithRetry(ctx context.Context, delay time.Duration, logger *zap.Logger, connect func(context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		return connect(ctx)
	}
	notify := func(err error, wait time.Duration) {
		logger.Error("error connecting to database, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
		)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(delay), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return err
	}
	logger.Info("connected successfully to database", zap.Int("attempts", attempt))
	return nil
}
