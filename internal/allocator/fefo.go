// Package allocator binds order lines to inventory batches, first expiring
// first out.
package allocator

import (
	"errors"
	"slices"
	"strings"
	"time"

	"banhang/backend/internal/domain"
)

var ErrNoEligibleBatch = errors.New("no eligible batch")

type Allocation struct {
	BatchID  string
	Quantity int
	// Capped is set when the bound batch holds less than was requested.
	Capped bool
}

// Select picks the single batch that serves qty units. Batches that expired
// before today are skipped; undated batches sort after all dated ones and
// equal expiries fall back to the batch id.
func Select(batches []domain.Batch, qty int, today time.Time) (Allocation, error) {
	for _, batch := range Eligible(batches, today) {
		if batch.Quantity < 1 {
			continue
		}
		if batch.Quantity < qty {
			return Allocation{BatchID: batch.ID, Quantity: batch.Quantity, Capped: true}, nil
		}
		return Allocation{BatchID: batch.ID, Quantity: qty}, nil
	}
	return Allocation{}, ErrNoEligibleBatch
}

// Eligible returns the non-expired batches in FEFO order. The input slice is
// not modified.
func Eligible(batches []domain.Batch, today time.Time) []domain.Batch {
	day := DateUTC(today)
	out := make([]domain.Batch, 0, len(batches))
	for _, batch := range batches {
		if Expired(batch, day) {
			continue
		}
		out = append(out, batch)
	}
	slices.SortFunc(out, compareFEFO)
	return out
}

func Expired(batch domain.Batch, today time.Time) bool {
	return batch.ExpiryDate != nil && DateUTC(*batch.ExpiryDate).Before(DateUTC(today))
}

// DateUTC truncates t to midnight UTC; expiry is compared by calendar day.
func DateUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func compareFEFO(a domain.Batch, b domain.Batch) int {
	if a.ExpiryDate == nil && b.ExpiryDate != nil {
		return 1
	}
	if a.ExpiryDate != nil && b.ExpiryDate == nil {
		return -1
	}
	if a.ExpiryDate != nil && b.ExpiryDate != nil {
		if c := DateUTC(*a.ExpiryDate).Compare(DateUTC(*b.ExpiryDate)); c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}
