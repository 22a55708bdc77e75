package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"banhang/backend/internal/store"
)

const sweepBatchSize = 100

// ExpiredPaymentSweeper cancels pending QR orders whose payment code expired
// more than grace ago, returning their stock to the shelf.
type ExpiredPaymentSweeper struct {
	svc   *Service
	grace time.Duration
}

func (s *Service) NewExpiredPaymentSweeper(grace time.Duration) (*ExpiredPaymentSweeper, error) {
	if grace <= 0 {
		return nil, fmt.Errorf("sweeper grace period must be positive")
	}
	return &ExpiredPaymentSweeper{svc: s, grace: grace}, nil
}

func (j *ExpiredPaymentSweeper) Name() string {
	return "expired-payment-sweeper"
}

// Run sweeps every store. An order paid between the listing and the cancel
// is skipped.
func (j *ExpiredPaymentSweeper) Run(ctx context.Context) error {
	cutoff := j.svc.now().Add(-j.grace)
	orders, err := j.svc.repo.ListExpiredPendingOrders(ctx, "", cutoff, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list expired payments: %w", err)
	}

	var errs error
	cancelled := 0
	for _, order := range orders {
		if _, err := j.svc.CancelOrder(ctx, order.ID, "qr payment expired"); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("cancel order %s: %w", order.ID, err))
			continue
		}
		cancelled++
	}

	if cancelled > 0 {
		logCtx := j.svc.logg.WithFields(ctx, map[string]any{"cancelled": cancelled, "scanned": len(orders)})
		j.svc.logg.Info(logCtx, "expired qr orders cancelled")
	}
	return errs
}
