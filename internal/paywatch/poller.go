// Package paywatch waits for a QR payment to settle by polling its status.
// A Poller belongs to one caller; stopping it is a matter of cancelling the
// context passed to Wait.
package paywatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"banhang/backend/internal/domain"
)

const defaultInterval = 3 * time.Second

// ErrExpired is returned when the payment code expires before it is paid.
var ErrExpired = errors.New("payment code expired")

type StatusSource interface {
	PaymentStatus(ctx context.Context, code int64) (domain.PaymentStatus, error)
}

type Options struct {
	Interval time.Duration
	Now      func() time.Time
	// OnPoll is called with every status read, including the final one.
	OnPoll func(domain.PaymentStatus)
}

type Poller struct {
	source   StatusSource
	interval time.Duration
	now      func() time.Time
	onPoll   func(domain.PaymentStatus)
}

func New(source StatusSource, opts Options) (*Poller, error) {
	if source == nil {
		return nil, errors.New("status source required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		source:   source,
		interval: opts.Interval,
		now:      opts.Now,
		onPoll:   opts.OnPoll,
	}, nil
}

// Wait polls until the payment is PAID or CANCELLED, the code expires, or
// ctx is done. The last status read is returned in every case.
func (p *Poller) Wait(ctx context.Context, code int64) (domain.PaymentStatus, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last domain.PaymentStatus
	for {
		status, err := p.source.PaymentStatus(ctx, code)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("poll payment %d: %w", code, err)
		}
		last = status
		if p.onPoll != nil {
			p.onPoll(status)
		}
		if status.Terminal() {
			return status, nil
		}
		if status.Expired || (status.ExpiresAt != nil && p.now().After(*status.ExpiresAt)) {
			return status, ErrExpired
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
