package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"banhang/backend/internal/domain"
	"banhang/backend/internal/store"
)

// txView implements store.Tx on one serializable transaction. Rows read
// with FOR UPDATE stay locked until the transaction ends.
type txView struct {
	q querier
}

func (t *txView) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := t.q.QueryContext(ctx, `
		SELECT id, name, list_price, cost_price, tax_rate, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.ListPrice, &p.CostPrice, &p.TaxRate, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *txView) GetStockForUpdate(ctx context.Context, storeID string, productID string) (*domain.Stock, error) {
	var stock domain.Stock
	err := t.q.QueryRowContext(ctx, `
		SELECT store_id, product_id, quantity, reserved, updated_at
		FROM stocks
		WHERE store_id = $1 AND product_id = $2
		FOR UPDATE
	`, storeID, productID).Scan(&stock.StoreID, &stock.ProductID, &stock.Quantity, &stock.Reserved, &stock.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	stock.UpdatedAt = stock.UpdatedAt.UTC()
	return &stock, nil
}

func (t *txView) SaveStock(ctx context.Context, stock domain.Stock) error {
	if stock.Quantity < 0 || stock.Reserved < 0 {
		return store.Invalid("stock", "quantities must not be negative")
	}
	if stock.UpdatedAt.IsZero() {
		stock.UpdatedAt = time.Now().UTC()
	}

	_, err := t.q.ExecContext(ctx, `
		INSERT INTO stocks (store_id, product_id, quantity, reserved, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (store_id, product_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, reserved = EXCLUDED.reserved, updated_at = EXCLUDED.updated_at
	`, stock.StoreID, stock.ProductID, stock.Quantity, stock.Reserved, stock.UpdatedAt)
	return err
}

// ListBatchesForUpdate locks batches in id order so concurrent allocations
// of the same product always take row locks in the same sequence.
func (t *txView) ListBatchesForUpdate(ctx context.Context, storeID string, productID string) ([]domain.Batch, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, store_id, product_id, quantity, expiry_date, received_at
		FROM batches
		WHERE store_id = $1 AND product_id = $2
		ORDER BY id ASC
		FOR UPDATE
	`, storeID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 4)
	for rows.Next() {
		var batch domain.Batch
		var expiry sql.NullTime
		if err := rows.Scan(&batch.ID, &batch.StoreID, &batch.ProductID, &batch.Quantity, &expiry, &batch.ReceivedAt); err != nil {
			return nil, err
		}
		if expiry.Valid {
			date := nowDateUTC(expiry.Time)
			batch.ExpiryDate = &date
		}
		batch.ReceivedAt = batch.ReceivedAt.UTC()
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (t *txView) SaveBatch(ctx context.Context, batch domain.Batch) error {
	if batch.Quantity < 0 {
		return store.Invalid("batch", "quantity must not be negative")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	_, err := t.q.ExecContext(ctx, `
		INSERT INTO batches (id, store_id, product_id, quantity, expiry_date, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET quantity = EXCLUDED.quantity
	`, batch.ID, batch.StoreID, batch.ProductID, batch.Quantity, nullDate(batch.ExpiryDate), batch.ReceivedAt)
	return err
}

func (t *txView) GetCustomerForUpdate(ctx context.Context, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := t.q.QueryRowContext(ctx, `
		SELECT id, name, loyalty_points
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, customerID).Scan(&customer.ID, &customer.Name, &customer.LoyaltyPoints)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func (t *txView) SaveCustomer(ctx context.Context, customer domain.Customer) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO customers (id, name, loyalty_points)
		VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, loyalty_points = EXCLUDED.loyalty_points
	`, customer.ID, customer.Name, customer.LoyaltyPoints)
	return err
}

func (t *txView) CreateOrder(ctx context.Context, order domain.Order) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO orders (
			id, store_id, employee_id, customer_id, subtotal, discount_amount,
			loyalty_points_used, vat_amount, total_amount, payment_method, status, refund_id,
			payment_code, qr_expires_at, print_count, idempotency_key, cancel_reason,
			created_at, updated_at, paid_at, cancelled_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`,
		order.ID,
		order.StoreID,
		order.EmployeeID,
		nullIfEmpty(order.CustomerID),
		order.Subtotal,
		order.DiscountAmount,
		order.LoyaltyPointsUsed,
		order.VATAmount,
		order.TotalAmount,
		order.PaymentMethod,
		string(order.Status),
		nullIfEmpty(order.RefundID),
		nullIfZero(order.PaymentCode),
		nullTime(order.QRExpiresAt),
		order.PrintCount,
		nullIfEmpty(order.IdempotencyKey),
		order.CancelReason,
		order.CreatedAt,
		order.UpdatedAt,
		nullTime(order.PaidAt),
		nullTime(order.CancelledAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", order.ID, store.ErrConflict)
		}
		return err
	}
	return t.insertItems(ctx, order)
}

func (t *txView) GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return findOrder(ctx, t.q, "id", id, true)
}

func (t *txView) FindOrderByPaymentCode(ctx context.Context, code int64) (*domain.Order, error) {
	return findOrder(ctx, t.q, "payment_code", code, true)
}

// UpdateOrder rewrites the order row and its lines. Lines are replaced
// because binding batches at confirmation changes them.
func (t *txView) UpdateOrder(ctx context.Context, order domain.Order) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE orders
		SET customer_id = $2, subtotal = $3, discount_amount = $4, loyalty_points_used = $5,
			vat_amount = $6, total_amount = $7, status = $8, refund_id = $9, payment_code = $10,
			qr_expires_at = $11, print_count = $12, cancel_reason = $13, updated_at = $14,
			paid_at = $15, cancelled_at = $16
		WHERE id = $1
	`,
		order.ID,
		nullIfEmpty(order.CustomerID),
		order.Subtotal,
		order.DiscountAmount,
		order.LoyaltyPointsUsed,
		order.VATAmount,
		order.TotalAmount,
		string(order.Status),
		nullIfEmpty(order.RefundID),
		nullIfZero(order.PaymentCode),
		nullTime(order.QRExpiresAt),
		order.PrintCount,
		order.CancelReason,
		order.UpdatedAt,
		nullTime(order.PaidAt),
		nullTime(order.CancelledAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment code %d: %w", order.PaymentCode, store.ErrConflict)
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	if _, err := t.q.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, order.ID); err != nil {
		return err
	}
	return t.insertItems(ctx, order)
}

// MarkOrderPaid only moves rows that are still pending, so two deliveries
// racing for the same order cannot both apply.
func (t *txView) MarkOrderPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE orders
		SET status = 'paid', paid_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, paidAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}

	var exists bool
	if err := t.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (t *txView) CreateRefund(ctx context.Context, refund domain.Refund) error {
	evidence := refund.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return err
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO refunds (id, order_id, employee_id, reason, evidence, refund_amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, refund.ID, refund.OrderID, refund.EmployeeID, refund.Reason, string(evidenceJSON), refund.RefundAmount, refund.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("refund %s: %w", refund.ID, store.ErrConflict)
		}
		return err
	}

	for i, item := range refund.Items {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO refund_items (refund_id, line_no, product_id, quantity, price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, refund.ID, i+1, item.ProductID, item.Quantity, item.Price, item.Subtotal); err != nil {
			return err
		}
	}
	return nil
}

func (t *txView) ListRefundsByOrder(ctx context.Context, orderID string) ([]domain.Refund, error) {
	return listRefunds(ctx, t.q, orderID)
}

func (t *txView) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return insertAuditLog(ctx, t.q, entry)
}

func (t *txView) insertItems(ctx context.Context, order domain.Order) error {
	for i, item := range order.Items {
		var customPrice any
		if item.CustomPrice != nil {
			customPrice = *item.CustomPrice
		}
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO order_items (
				order_id, line_no, product_id, quantity, unit_price, sale_type, custom_price,
				batch_id, tax_rate, line_subtotal, vat_amount
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, order.ID, i+1, item.ProductID, item.Quantity, item.UnitPrice, string(item.SaleType), customPrice,
			nullIfEmpty(item.BatchID), item.TaxRate, item.LineSubtotal, item.VATAmount); err != nil {
			return err
		}
	}
	return nil
}

func listRefunds(ctx context.Context, q querier, orderID string) ([]domain.Refund, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, employee_id, reason, evidence, refund_amount, created_at
		FROM refunds
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0, 2)
	index := make(map[string]int)
	ids := make([]string, 0, 2)
	for rows.Next() {
		var refund domain.Refund
		var evidence []byte
		if err := rows.Scan(&refund.ID, &refund.OrderID, &refund.EmployeeID, &refund.Reason, &evidence, &refund.RefundAmount, &refund.CreatedAt); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &refund.Evidence); err != nil {
				return nil, fmt.Errorf("decode refund evidence: %w", err)
			}
		}
		refund.CreatedAt = refund.CreatedAt.UTC()
		index[refund.ID] = len(refunds)
		ids = append(ids, refund.ID)
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(refunds) == 0 {
		return refunds, nil
	}

	itemRows, err := q.QueryContext(ctx, `
		SELECT refund_id, product_id, quantity, price, subtotal
		FROM refund_items
		WHERE refund_id = ANY($1)
		ORDER BY refund_id, line_no ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var refundID string
		var item domain.RefundItem
		if err := itemRows.Scan(&refundID, &item.ProductID, &item.Quantity, &item.Price, &item.Subtotal); err != nil {
			return nil, err
		}
		i := index[refundID]
		refunds[i].Items = append(refunds[i].Items, item)
	}
	return refunds, itemRows.Err()
}
