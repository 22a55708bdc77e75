package paywatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banhang/backend/internal/domain"
)

type scriptedSource struct {
	mu       sync.Mutex
	statuses []domain.PaymentStatus
	err      error
	calls    int
}

func (s *scriptedSource) PaymentStatus(_ context.Context, code int64) (domain.PaymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return domain.PaymentStatus{}, s.err
	}
	idx := min(s.calls-1, len(s.statuses)-1)
	status := s.statuses[idx]
	status.Code = code
	return status, nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestWaitStopsWhenPaid(t *testing.T) {
	source := &scriptedSource{statuses: []domain.PaymentStatus{
		{Status: domain.PaymentStatusPending},
		{Status: domain.PaymentStatusPending},
		{Status: domain.PaymentStatusPaid, OrderID: "ord-1"},
	}}
	var seen []string
	poller, err := New(source, Options{
		Interval: time.Millisecond,
		OnPoll:   func(s domain.PaymentStatus) { seen = append(seen, s.Status) },
	})
	require.NoError(t, err)

	status, err := poller.Wait(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, status.Status)
	assert.Equal(t, int64(42), status.Code)
	assert.Equal(t, 3, source.Calls())
	assert.Equal(t, []string{"PENDING", "PENDING", "PAID"}, seen)
}

func TestWaitStopsWhenCancelledByStore(t *testing.T) {
	source := &scriptedSource{statuses: []domain.PaymentStatus{{Status: domain.PaymentStatusCancelled}}}
	poller, err := New(source, Options{Interval: time.Millisecond})
	require.NoError(t, err)

	status, err := poller.Wait(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, status.Terminal())
}

func TestWaitReportsExpiry(t *testing.T) {
	expires := time.Date(2025, 1, 1, 8, 5, 0, 0, time.UTC)
	source := &scriptedSource{statuses: []domain.PaymentStatus{{Status: domain.PaymentStatusPending, ExpiresAt: &expires}}}
	poller, err := New(source, Options{
		Interval: time.Millisecond,
		Now:      func() time.Time { return expires.Add(time.Second) },
	})
	require.NoError(t, err)

	_, err = poller.Wait(context.Background(), 7)
	require.ErrorIs(t, err, ErrExpired)

	flagged := &scriptedSource{statuses: []domain.PaymentStatus{{Status: domain.PaymentStatusPending, Expired: true}}}
	poller, err = New(flagged, Options{Interval: time.Millisecond})
	require.NoError(t, err)
	_, err = poller.Wait(context.Background(), 7)
	require.ErrorIs(t, err, ErrExpired)
}

func TestWaitStopsOnCancel(t *testing.T) {
	source := &scriptedSource{statuses: []domain.PaymentStatus{{Status: domain.PaymentStatusPending}}}
	poller, err := New(source, Options{Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	status, err := poller.Wait(ctx, 7)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.PaymentStatusPending, status.Status)
	assert.GreaterOrEqual(t, source.Calls(), 1)
}

func TestWaitSurfacesSourceErrors(t *testing.T) {
	boom := errors.New("boom")
	poller, err := New(&scriptedSource{err: boom}, Options{Interval: time.Millisecond})
	require.NoError(t, err)

	_, err = poller.Wait(context.Background(), 7)
	require.ErrorIs(t, err, boom)

	_, err = New(nil, Options{})
	assert.Error(t, err)
}
