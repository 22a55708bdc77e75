package service

import (
	"context"
	"fmt"
	"strings"

	"banhang/backend/internal/domain"
	"banhang/backend/internal/ledger"
	"banhang/backend/internal/store"
	"banhang/backend/internal/xid"
)

// CreateRefund returns items of a paid order to stock and records the money
// owed back to the customer. Nothing changes when any line is rejected.
func (s *Service) CreateRefund(ctx context.Context, req domain.RefundRequest) (domain.RefundResponse, error) {
	req, err := s.normalizeRefund(ctx, req)
	if err != nil {
		return domain.RefundResponse{}, err
	}

	var resp domain.RefundResponse
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		order, err := s.orderForUpdate(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if !order.Status.Refundable() {
			return &store.InvalidStateTransitionError{OrderID: order.ID, From: string(order.Status), To: string(domain.OrderStatusRefunded)}
		}
		if strings.EqualFold(order.EmployeeID, req.EmployeeID) {
			return store.Invalid("employee_id", "refund must be reviewed by someone other than the seller")
		}

		previous, err := tx.ListRefundsByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		refunded := refundedByProduct(previous)
		purchased := order.PurchasedByProduct()

		requested := make(map[string]int, len(req.Items))
		for _, item := range req.Items {
			requested[item.ProductID] += item.Quantity
		}
		for _, item := range req.Items {
			bought, ok := purchased[item.ProductID]
			if !ok {
				return store.Invalid("product_id", fmt.Sprintf("product %s is not on order %s", item.ProductID, order.ID))
			}
			if refunded[item.ProductID]+requested[item.ProductID] > bought {
				return &store.RefundQuantityExceededError{
					ProductID: item.ProductID,
					Purchased: bought,
					Refunded:  refunded[item.ProductID],
					Requested: requested[item.ProductID],
				}
			}
		}

		refund := domain.Refund{
			ID:         xid.New("refund"),
			OrderID:    order.ID,
			EmployeeID: req.EmployeeID,
			Reason:     req.Reason,
			Evidence:   req.Evidence,
			CreatedAt:  s.now(),
		}
		lines := make([]ledger.Line, 0, len(req.Items))
		for _, item := range req.Items {
			for _, part := range takeRefundLines(order.Items, item, refunded) {
				refund.Items = append(refund.Items, part.item)
				refund.RefundAmount += part.item.Subtotal
				lines = append(lines, part.line)
			}
			refunded[item.ProductID] += item.Quantity
		}

		if err := s.ledger.CommitIncrement(ctx, tx, order.StoreID, lines); err != nil {
			return err
		}
		if err := tx.CreateRefund(ctx, refund); err != nil {
			return err
		}

		order.Status = domain.OrderStatusPartiallyRefunded
		if fullyRefunded(purchased, refunded) {
			order.Status = domain.OrderStatusRefunded
		}
		order.RefundID = refund.ID
		order.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}

		resp = domain.RefundResponse{Refund: refund, OrderStatus: order.Status}
		return s.audit(ctx, tx, order.StoreID, "order_refund", "order", order.ID,
			fmt.Sprintf("refund=%s,amount=%d,status=%s,reason=%s", refund.ID, refund.RefundAmount, order.Status, refund.Reason))
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.stats.RefundCreated(resp.Refund.RefundAmount)
	return resp, nil
}

func (s *Service) ListRefunds(ctx context.Context, orderID string) ([]domain.Refund, error) {
	return s.repo.ListRefundsByOrder(ctx, strings.TrimSpace(orderID))
}

func (s *Service) normalizeRefund(ctx context.Context, req domain.RefundRequest) (domain.RefundRequest, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Reason = strings.TrimSpace(req.Reason)
	employee, err := employeeOf(ctx, req.EmployeeID)
	if err != nil {
		return req, err
	}
	req.EmployeeID = employee

	if req.OrderID == "" {
		return req, store.Invalid("order_id", "is required")
	}
	if req.EmployeeID == "" {
		return req, store.Invalid("employee_id", "is required")
	}
	if req.Reason == "" {
		return req, store.Invalid("reason", "is required")
	}
	if len(req.Items) == 0 {
		return req, store.Invalid("items", "at least one item is required")
	}

	evidence := make([]string, 0, len(req.Evidence))
	for _, ref := range req.Evidence {
		if ref = strings.TrimSpace(ref); ref != "" {
			evidence = append(evidence, ref)
		}
	}
	req.Evidence = evidence

	items := make([]domain.RefundItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" {
			return req, store.Invalid("product_id", "is required")
		}
		if item.Quantity < 1 {
			return req, store.Invalid("quantity", "must be positive")
		}
		items = append(items, item)
	}
	req.Items = items
	return req, nil
}

type refundPart struct {
	item domain.RefundItem
	line ledger.Line
}

// takeRefundLines walks the order lines of one product in order, skipping
// what earlier refunds already consumed, so each returned unit is priced at
// the line it was sold on and goes back to that line's batch.
func takeRefundLines(items []domain.OrderItem, req domain.RefundItemRequest, refunded map[string]int) []refundPart {
	skip := refunded[req.ProductID]
	remaining := req.Quantity
	var parts []refundPart
	for _, item := range items {
		if remaining == 0 {
			break
		}
		if item.ProductID != req.ProductID {
			continue
		}
		free := item.Quantity
		if skip > 0 {
			used := min(skip, free)
			skip -= used
			free -= used
		}
		if free == 0 {
			continue
		}
		qty := min(free, remaining)
		remaining -= qty
		price := refundLinePrice(item)
		parts = append(parts, refundPart{
			item: domain.RefundItem{
				ProductID: item.ProductID,
				Quantity:  qty,
				Price:     price,
				Subtotal:  price * int64(qty),
			},
			line: ledger.Line{ProductID: item.ProductID, Quantity: qty, BatchID: item.BatchID},
		})
	}
	return parts
}

func refundedByProduct(refunds []domain.Refund) map[string]int {
	out := make(map[string]int)
	for _, refund := range refunds {
		for _, item := range refund.Items {
			out[item.ProductID] += item.Quantity
		}
	}
	return out
}

func fullyRefunded(purchased map[string]int, refunded map[string]int) bool {
	for productID, qty := range purchased {
		if refunded[productID] < qty {
			return false
		}
	}
	return true
}
