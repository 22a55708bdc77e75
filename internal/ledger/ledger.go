// Package ledger keeps per (store, product) stock consistent. Every operation
// runs inside the caller's atomic scope and never commits on its own; a
// failed call leaves it to the caller to roll the scope back.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"banhang/backend/internal/allocator"
	"banhang/backend/internal/domain"
	"banhang/backend/internal/store"
	"banhang/backend/internal/xid"
)

type Line struct {
	ProductID string
	Quantity  int
	// BatchID binds the line to one batch. Empty means the ledger picks one
	// by FEFO when the product is batch tracked.
	BatchID string
	// FromReservation marks a commit that consumes an earlier Reserve.
	FromReservation bool
}

type Ledger struct {
	now func() time.Time
}

func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// Reserve holds quantity against a not yet committed order. Lines of batch
// tracked products are bound by FEFO here, so a hold that no single batch can
// cover is refused up front. Bound lines come back with BatchID set.
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, storeID string, lines []Line) error {
	today := l.today()
	for i, line := range lines {
		if err := validateLine(line); err != nil {
			return err
		}
		stock, batches, err := l.load(ctx, tx, storeID, line.ProductID)
		if err != nil {
			return err
		}
		available := Available(*stock, batches, today)
		if available < line.Quantity {
			return &store.InsufficientStockError{ProductID: line.ProductID, Available: available}
		}
		if len(batches) > 0 {
			batch, err := l.bindBatch(line, batches, today)
			if err != nil {
				return err
			}
			lines[i].BatchID = batch.ID
		}
		stock.Reserved += line.Quantity
		if err := l.save(ctx, tx, stock); err != nil {
			return err
		}
	}
	return nil
}

// Release gives back reserved quantity. Releasing more than is reserved
// floors at zero, so a repeated release is harmless.
func (l *Ledger) Release(ctx context.Context, tx store.Tx, storeID string, lines []Line) error {
	for _, line := range lines {
		if err := validateLine(line); err != nil {
			return err
		}
		stock, err := l.stock(ctx, tx, storeID, line.ProductID)
		if err != nil {
			return err
		}
		stock.Reserved = max(stock.Reserved-line.Quantity, 0)
		if err := l.save(ctx, tx, stock); err != nil {
			return err
		}
	}
	return nil
}

// CommitDecrement deducts sold quantity. Availability is checked again here
// even when the line was reserved earlier. Lines of batch tracked products
// come back with BatchID set to the batch they were taken from.
func (l *Ledger) CommitDecrement(ctx context.Context, tx store.Tx, storeID string, lines []Line) error {
	today := l.today()
	for i, line := range lines {
		if err := validateLine(line); err != nil {
			return err
		}
		stock, batches, err := l.load(ctx, tx, storeID, line.ProductID)
		if err != nil {
			return err
		}

		reserved := stock.Reserved
		if line.FromReservation {
			reserved = max(reserved-line.Quantity, 0)
		}
		onHand := OnHand(*stock, batches, today)
		if onHand-line.Quantity < reserved {
			return &store.InsufficientStockError{ProductID: line.ProductID, Available: max(onHand-reserved, 0)}
		}

		if len(batches) > 0 {
			batch, err := l.bindBatch(line, batches, today)
			if err != nil && line.FromReservation && line.BatchID != "" {
				// The batch bound at reserve time may since have been drained
				// by another sale or expired; fall back to FEFO.
				line.BatchID = ""
				batch, err = l.bindBatch(line, batches, today)
			}
			if err != nil {
				return err
			}
			batch.Quantity -= line.Quantity
			if err := tx.SaveBatch(ctx, batch); err != nil {
				return fmt.Errorf("save batch %s: %w", batch.ID, err)
			}
			lines[i].BatchID = batch.ID
		}

		stock.Quantity = max(stock.Quantity-line.Quantity, 0)
		stock.Reserved = reserved
		if err := l.save(ctx, tx, stock); err != nil {
			return err
		}
	}
	return nil
}

// CommitIncrement restocks returned quantity. The bound batch receives it
// when it still exists; otherwise a batch tracked product gets a fresh
// undated return batch.
func (l *Ledger) CommitIncrement(ctx context.Context, tx store.Tx, storeID string, lines []Line) error {
	for _, line := range lines {
		if err := validateLine(line); err != nil {
			return err
		}
		stock, batches, err := l.load(ctx, tx, storeID, line.ProductID)
		if err != nil {
			return err
		}

		if len(batches) > 0 {
			target, found := findBatch(batches, line.BatchID)
			if !found {
				target = domain.Batch{
					ID:         xid.New("batch"),
					StoreID:    storeID,
					ProductID:  line.ProductID,
					ReceivedAt: l.now().UTC(),
				}
			}
			target.Quantity += line.Quantity
			if err := tx.SaveBatch(ctx, target); err != nil {
				return fmt.Errorf("save batch %s: %w", target.ID, err)
			}
		}

		stock.Quantity += line.Quantity
		if err := l.save(ctx, tx, stock); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Snapshot(ctx context.Context, tx store.Tx, storeID string, productID string) (domain.StockSnapshot, error) {
	stock, batches, err := l.load(ctx, tx, storeID, productID)
	if err != nil {
		return domain.StockSnapshot{}, err
	}
	today := l.today()
	return domain.StockSnapshot{
		Stock:     *stock,
		OnHand:    OnHand(*stock, batches, today),
		Available: Available(*stock, batches, today),
		Batches:   allocator.Eligible(batches, today),
	}, nil
}

// OnHand is the sum of non-expired batch quantities for batch tracked
// products and the flat counter otherwise.
func OnHand(stock domain.Stock, batches []domain.Batch, today time.Time) int {
	if len(batches) == 0 {
		return stock.Quantity
	}
	total := 0
	for _, batch := range batches {
		if allocator.Expired(batch, today) {
			continue
		}
		total += batch.Quantity
	}
	return total
}

// Available never goes below zero. Reserved is clamped to on-hand at load, so
// a hold whose batch expired under it fails at commit instead.
func Available(stock domain.Stock, batches []domain.Batch, today time.Time) int {
	return max(OnHand(stock, batches, today)-stock.Reserved, 0)
}

func (l *Ledger) bindBatch(line Line, batches []domain.Batch, today time.Time) (domain.Batch, error) {
	if line.BatchID == "" {
		alloc, err := allocator.Select(batches, line.Quantity, today)
		if err != nil {
			return domain.Batch{}, &store.InsufficientStockError{ProductID: line.ProductID}
		}
		if alloc.Capped {
			return domain.Batch{}, &store.InsufficientStockError{ProductID: line.ProductID, Available: alloc.Quantity}
		}
		line.BatchID = alloc.BatchID
	}
	batch, found := findBatch(batches, line.BatchID)
	if !found || allocator.Expired(batch, today) {
		return domain.Batch{}, &store.InsufficientStockError{ProductID: line.ProductID}
	}
	if batch.Quantity < line.Quantity {
		return domain.Batch{}, &store.InsufficientStockError{ProductID: line.ProductID, Available: batch.Quantity}
	}
	return batch, nil
}

func (l *Ledger) load(ctx context.Context, tx store.Tx, storeID string, productID string) (*domain.Stock, []domain.Batch, error) {
	stock, err := l.stock(ctx, tx, storeID, productID)
	if err != nil {
		return nil, nil, err
	}
	batches, err := tx.ListBatchesForUpdate(ctx, storeID, productID)
	if err != nil {
		return nil, nil, fmt.Errorf("load batches for %s: %w", productID, err)
	}
	// Expiry shrinks on-hand without touching holds; keep reserved <= on-hand.
	if onHand := OnHand(*stock, batches, l.today()); stock.Reserved > onHand {
		stock.Reserved = max(onHand, 0)
	}
	return stock, batches, nil
}

func (l *Ledger) stock(ctx context.Context, tx store.Tx, storeID string, productID string) (*domain.Stock, error) {
	stock, err := tx.GetStockForUpdate(ctx, storeID, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &store.UnknownProductError{ProductID: productID, StoreID: storeID}
	}
	if err != nil {
		return nil, fmt.Errorf("load stock for %s: %w", productID, err)
	}
	return stock, nil
}

func (l *Ledger) save(ctx context.Context, tx store.Tx, stock *domain.Stock) error {
	stock.UpdatedAt = l.now().UTC()
	if err := tx.SaveStock(ctx, *stock); err != nil {
		return fmt.Errorf("save stock for %s: %w", stock.ProductID, err)
	}
	return nil
}

func (l *Ledger) today() time.Time {
	return allocator.DateUTC(l.now())
}

func findBatch(batches []domain.Batch, id string) (domain.Batch, bool) {
	if id == "" {
		return domain.Batch{}, false
	}
	for _, batch := range batches {
		if batch.ID == id {
			return batch, true
		}
	}
	return domain.Batch{}, false
}

func validateLine(line Line) error {
	if line.ProductID == "" {
		return store.Invalid("product_id", "is required")
	}
	if line.Quantity < 1 {
		return store.Invalid("quantity", "must be positive")
	}
	return nil
}
