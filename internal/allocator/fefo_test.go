package allocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banhang/backend/internal/domain"
)

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestSelectBindsEarliestExpiry(t *testing.T) {
	today := *day("2025-01-01")
	batches := []domain.Batch{
		{ID: "b-null", Quantity: 5},
		{ID: "b-feb", Quantity: 5, ExpiryDate: day("2025-02-01")},
		{ID: "b-jan", Quantity: 5, ExpiryDate: day("2025-01-10")},
	}

	alloc, err := Select(batches, 3, today)
	require.NoError(t, err)
	assert.Equal(t, Allocation{BatchID: "b-jan", Quantity: 3}, alloc)
}

func TestSelectSkipsExpiredAndEmptyBatches(t *testing.T) {
	today := *day("2025-01-15")
	batches := []domain.Batch{
		{ID: "b-expired", Quantity: 9, ExpiryDate: day("2025-01-10")},
		{ID: "b-empty", Quantity: 0, ExpiryDate: day("2025-01-20")},
		{ID: "b-undated", Quantity: 4},
	}

	alloc, err := Select(batches, 2, today)
	require.NoError(t, err)
	assert.Equal(t, "b-undated", alloc.BatchID)
}

func TestSelectTreatsExpiryTodayAsEligible(t *testing.T) {
	today := time.Date(2025, 3, 1, 18, 30, 0, 0, time.UTC)
	batches := []domain.Batch{{ID: "b-today", Quantity: 1, ExpiryDate: day("2025-03-01")}}

	alloc, err := Select(batches, 1, today)
	require.NoError(t, err)
	assert.Equal(t, "b-today", alloc.BatchID)
}

func TestSelectTieBreaksByBatchID(t *testing.T) {
	today := *day("2025-01-01")
	batches := []domain.Batch{
		{ID: "b-2", Quantity: 5, ExpiryDate: day("2025-06-01")},
		{ID: "b-1", Quantity: 5, ExpiryDate: day("2025-06-01")},
	}

	for i := 0; i < 10; i++ {
		alloc, err := Select(batches, 1, today)
		require.NoError(t, err)
		assert.Equal(t, "b-1", alloc.BatchID)
	}
}

func TestSelectCapsLineToSingleBatch(t *testing.T) {
	today := *day("2025-01-01")
	batches := []domain.Batch{
		{ID: "b-a", Quantity: 2, ExpiryDate: day("2025-01-05")},
		{ID: "b-b", Quantity: 10, ExpiryDate: day("2025-02-05")},
	}

	alloc, err := Select(batches, 5, today)
	require.NoError(t, err)
	assert.True(t, alloc.Capped)
	assert.Equal(t, "b-a", alloc.BatchID)
	assert.Equal(t, 2, alloc.Quantity)
}

func TestSelectNoEligibleBatch(t *testing.T) {
	today := *day("2025-05-01")
	batches := []domain.Batch{
		{ID: "b-old", Quantity: 3, ExpiryDate: day("2025-04-30")},
		{ID: "b-zero", Quantity: 0},
	}

	_, err := Select(batches, 1, today)
	require.ErrorIs(t, err, ErrNoEligibleBatch)
}

func TestEligibleDoesNotReorderInput(t *testing.T) {
	batches := []domain.Batch{
		{ID: "z", Quantity: 1},
		{ID: "a", Quantity: 1, ExpiryDate: day("2030-01-01")},
	}
	out := Eligible(batches, *day("2025-01-01"))

	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "z", batches[0].ID)
}
