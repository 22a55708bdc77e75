package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"banhang/backend/internal/domain"
	"banhang/backend/internal/ledger"
	"banhang/backend/internal/store"
	"banhang/backend/internal/xid"
)

func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error) {
	req, err := s.normalizeCreate(ctx, req)
	if err != nil {
		return domain.CreateOrderResponse{}, err
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey); err == nil {
			return toCreateResponse(*existing, true), nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.CreateOrderResponse{}, err
		}
	}

	var created domain.Order
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		now := s.now()
		order, err := s.buildOrder(ctx, tx, req)
		if err != nil {
			return err
		}
		order.CreatedAt = now
		order.UpdatedAt = now

		lines := ledgerLines(order.Items, false)
		switch {
		case req.Hold:
			order.Status = domain.OrderStatusDraft
			if err := s.ledger.Reserve(ctx, tx, order.StoreID, lines); err != nil {
				return err
			}
			bindBatches(order.Items, lines)
		default:
			if err := s.ledger.CommitDecrement(ctx, tx, order.StoreID, lines); err != nil {
				return err
			}
			bindBatches(order.Items, lines)
			if err := s.settleCommitted(&order); err != nil {
				return err
			}
		}

		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		created = order
		return s.audit(ctx, tx, order.StoreID, "order_create", "order", order.ID,
			fmt.Sprintf("status=%s,method=%s,total=%d,items=%d", order.Status, order.PaymentMethod, order.TotalAmount, len(order.Items)))
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) && req.IdempotencyKey != "" {
			if existing, findErr := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey); findErr == nil {
				return toCreateResponse(*existing, true), nil
			}
		}
		if errors.Is(err, store.ErrInsufficientStock) {
			s.stats.StockRejected("create")
		}
		return domain.CreateOrderResponse{}, err
	}

	s.stats.OrderCreated(created.PaymentMethod, string(created.Status))
	return toCreateResponse(created, false), nil
}

// ConfirmOrder turns a held cart into a sale, consuming its reservation.
func (s *Service) ConfirmOrder(ctx context.Context, orderID string) (domain.CreateOrderResponse, error) {
	var confirmed domain.Order
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		order, err := s.orderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusDraft {
			return &store.InvalidStateTransitionError{OrderID: order.ID, From: string(order.Status), To: string(domain.OrderStatusPending)}
		}

		lines := ledgerLines(order.Items, true)
		if err := s.ledger.CommitDecrement(ctx, tx, order.StoreID, lines); err != nil {
			return err
		}
		bindBatches(order.Items, lines)
		if err := s.settleCommitted(order); err != nil {
			return err
		}
		order.UpdatedAt = s.now()

		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		confirmed = *order
		return s.audit(ctx, tx, order.StoreID, "order_confirm", "order", order.ID, "status="+string(order.Status))
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			s.stats.StockRejected("confirm")
		}
		return domain.CreateOrderResponse{}, err
	}
	return toCreateResponse(confirmed, false), nil
}

// ConfirmCashPaid records that the cashier received the money for a pending
// cash order. Calling it again on a paid order is a no-op.
func (s *Service) ConfirmCashPaid(ctx context.Context, orderID string) (domain.Order, error) {
	var result domain.Order
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		order, err := s.orderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.PaymentMethod != domain.PaymentMethodCash {
			return store.Invalid("payment_method", "order is not paid in cash")
		}
		if order.Status.Settled() {
			result = *order
			return nil
		}
		if order.Status != domain.OrderStatusPending {
			return &store.InvalidStateTransitionError{OrderID: order.ID, From: string(order.Status), To: string(domain.OrderStatusPaid)}
		}

		now := s.now()
		applied, err := tx.MarkOrderPaid(ctx, order.ID, now)
		if err != nil {
			return err
		}
		if applied {
			order.Status = domain.OrderStatusPaid
			order.PaidAt = &now
			order.UpdatedAt = now
		}
		result = *order
		if !applied {
			return nil
		}
		return s.audit(ctx, tx, order.StoreID, "order_cash_paid", "order", order.ID, fmt.Sprintf("total=%d", order.TotalAmount))
	})
	return result, err
}

// CancelOrder releases a held cart or restocks a pending sale and gives back
// any loyalty points the order redeemed.
func (s *Service) CancelOrder(ctx context.Context, orderID string, reason string) (domain.Order, error) {
	reason = strings.TrimSpace(reason)
	var result domain.Order
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		order, err := s.orderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusCancelled {
			result = *order
			return nil
		}
		if !order.Status.CanTransitionTo(domain.OrderStatusCancelled) {
			return &store.InvalidStateTransitionError{OrderID: order.ID, From: string(order.Status), To: string(domain.OrderStatusCancelled)}
		}

		switch order.Status {
		case domain.OrderStatusDraft:
			err = s.ledger.Release(ctx, tx, order.StoreID, ledgerLines(order.Items, false))
		default:
			err = s.ledger.CommitIncrement(ctx, tx, order.StoreID, ledgerLines(order.Items, false))
		}
		if err != nil {
			return err
		}

		if order.CustomerID != "" && order.LoyaltyPointsUsed > 0 {
			customer, err := tx.GetCustomerForUpdate(ctx, order.CustomerID)
			if err != nil {
				return fmt.Errorf("restore loyalty points: %w", err)
			}
			customer.LoyaltyPoints += order.LoyaltyPointsUsed
			if err := tx.SaveCustomer(ctx, *customer); err != nil {
				return err
			}
		}

		now := s.now()
		previous := order.Status
		order.Status = domain.OrderStatusCancelled
		order.CancelReason = reason
		order.CancelledAt = &now
		order.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		result = *order
		return s.audit(ctx, tx, order.StoreID, "order_cancel", "order", order.ID,
			fmt.Sprintf("from=%s,reason=%s", previous, reason))
	})
	if err != nil {
		return domain.Order{}, err
	}

	if result.PaymentCode != 0 {
		s.cacheStatus(ctx, s.paymentStatusOf(result))
	}
	return result, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Order{}, &store.UnknownOrderError{Ref: orderID}
	}
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// RecordPrint counts receipt prints so reprints show up in the audit trail.
func (s *Service) RecordPrint(ctx context.Context, orderID string) (domain.Order, error) {
	var result domain.Order
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		order, err := s.orderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order.PrintCount++
		order.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		result = *order
		return s.audit(ctx, tx, order.StoreID, "order_print", "order", order.ID, fmt.Sprintf("count=%d", order.PrintCount))
	})
	return result, err
}

func (s *Service) normalizeCreate(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderRequest, error) {
	req.StoreID = defaultString(req.StoreID, s.defaultStoreID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	employee, err := employeeOf(ctx, req.EmployeeID)
	if err != nil {
		return req, err
	}
	req.EmployeeID = employee

	if len(req.Items) == 0 {
		return req, store.Invalid("items", "cart is empty")
	}
	if req.EmployeeID == "" {
		return req, store.Invalid("employee_id", "is required")
	}
	if req.PaymentMethod != domain.PaymentMethodCash && req.PaymentMethod != domain.PaymentMethodQR {
		return req, store.Invalid("payment_method", "must be cash or qr")
	}
	if req.LoyaltyPoints < 0 {
		return req, store.Invalid("loyalty_points", "must not be negative")
	}
	if req.LoyaltyPoints > 0 {
		if req.CustomerID == "" {
			return req, store.Invalid("customer_id", "loyalty redemption requires a customer")
		}
		if req.LoyaltyPoints < s.minRedeemPoints {
			return req, store.Invalid("loyalty_points", fmt.Sprintf("at least %d points must be redeemed", s.minRedeemPoints))
		}
	}

	items := make([]domain.CreateOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" {
			return req, store.Invalid("product_id", "is required")
		}
		if item.Quantity < 1 {
			return req, store.Invalid("quantity", "must be positive")
		}
		if item.SaleType == "" {
			item.SaleType = domain.SaleTypeNormal
		}
		if !item.SaleType.Valid() {
			return req, store.Invalid("sale_type", fmt.Sprintf("unknown sale type %q", item.SaleType))
		}
		if item.CustomPrice != nil && *item.CustomPrice < 0 {
			return req, store.Invalid("custom_price", "must not be negative")
		}
		items = append(items, item)
	}
	req.Items = items
	return req, nil
}

// buildOrder prices the cart against current products and redeems loyalty
// points. It runs inside the scope so the customer row is locked.
func (s *Service) buildOrder(ctx context.Context, tx store.Tx, req domain.CreateOrderRequest) (domain.Order, error) {
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := tx.GetProducts(ctx, ids)
	if err != nil {
		return domain.Order{}, err
	}

	applyVAT := req.ApplyVAT == nil || *req.ApplyVAT
	order := domain.Order{
		ID:             xid.New("ord"),
		StoreID:        req.StoreID,
		EmployeeID:     req.EmployeeID,
		CustomerID:     req.CustomerID,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
		Items:          make([]domain.OrderItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		product, ok := products[item.ProductID]
		if !ok {
			return domain.Order{}, &store.UnknownProductError{ProductID: item.ProductID, StoreID: req.StoreID}
		}
		order.Items = append(order.Items, priceLine(product, item, applyVAT))
	}

	if req.LoyaltyPoints > 0 {
		customer, err := tx.GetCustomerForUpdate(ctx, req.CustomerID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.Order{}, store.Invalid("customer_id", "unknown customer")
		}
		if err != nil {
			return domain.Order{}, err
		}
		if req.LoyaltyPoints > customer.LoyaltyPoints {
			return domain.Order{}, store.Invalid("loyalty_points", fmt.Sprintf("customer has only %d points", customer.LoyaltyPoints))
		}
		customer.LoyaltyPoints -= req.LoyaltyPoints
		if err := tx.SaveCustomer(ctx, *customer); err != nil {
			return domain.Order{}, err
		}
		order.LoyaltyPointsUsed = req.LoyaltyPoints
		order.DiscountAmount = s.loyaltyDiscount(req.LoyaltyPoints)
	}

	applyTotals(&order)
	return order, nil
}

// settleCommitted sets the status of an order whose stock was just
// committed and issues the QR payment request when one is needed.
func (s *Service) settleCommitted(order *domain.Order) error {
	now := s.now()
	switch {
	case order.PaymentMethod == domain.PaymentMethodCash && !s.deferCash:
		order.Status = domain.OrderStatusPaid
		order.PaidAt = &now
	case order.PaymentMethod == domain.PaymentMethodQR:
		order.Status = domain.OrderStatusPending
		return s.issuePaymentCode(order, now)
	default:
		order.Status = domain.OrderStatusPending
	}
	return nil
}

func (s *Service) orderForUpdate(ctx context.Context, tx store.Tx, orderID string) (*domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &store.UnknownOrderError{Ref: orderID}
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// employeeOf attributes a request to the signed-in user. A body value naming
// someone else is refused rather than trusted.
func employeeOf(ctx context.Context, claimed string) (string, error) {
	claimed = strings.TrimSpace(claimed)
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return claimed, nil
	}
	if claimed != "" && !strings.EqualFold(claimed, actor.Username) {
		return "", store.Invalid("employee_id", "must match the signed-in user")
	}
	return actor.Username, nil
}

func ledgerLines(items []domain.OrderItem, fromReservation bool) []ledger.Line {
	lines := make([]ledger.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, ledger.Line{
			ProductID:       item.ProductID,
			Quantity:        item.Quantity,
			BatchID:         item.BatchID,
			FromReservation: fromReservation,
		})
	}
	return lines
}

func bindBatches(items []domain.OrderItem, lines []ledger.Line) {
	for i := range items {
		items[i].BatchID = lines[i].BatchID
	}
}

func toCreateResponse(order domain.Order, duplicate bool) domain.CreateOrderResponse {
	resp := domain.CreateOrderResponse{Order: order, Duplicate: duplicate}
	if order.PaymentMethod == domain.PaymentMethodQR && order.Status == domain.OrderStatusPending && order.PaymentCode != 0 {
		req := paymentRequestOf(order)
		resp.PaymentRequest = &req
	}
	return resp
}
