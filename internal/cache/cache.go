package cache

import (
	"context"
	"time"

	"banhang/backend/internal/domain"
)

// PaymentStatusCache keeps settled payment statuses so polling clients do not
// hit the database once an order is paid.
type PaymentStatusCache interface {
	Get(ctx context.Context, code int64) (*domain.PaymentStatus, bool, error)
	Set(ctx context.Context, status domain.PaymentStatus, ttl time.Duration) error
}

// ReplayGuard remembers webhook deliveries that were already applied so a
// provider retry can be acknowledged without opening a transaction.
type ReplayGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

type NoopPaymentStatusCache struct{}

func (NoopPaymentStatusCache) Get(_ context.Context, _ int64) (*domain.PaymentStatus, bool, error) {
	return nil, false, nil
}

func (NoopPaymentStatusCache) Set(_ context.Context, _ domain.PaymentStatus, _ time.Duration) error {
	return nil
}

type NoopReplayGuard struct{}

func (NoopReplayGuard) Seen(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (NoopReplayGuard) Mark(_ context.Context, _ string, _ time.Duration) error {
	return nil
}
