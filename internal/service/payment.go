package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"banhang/backend/internal/domain"
	"banhang/backend/internal/paysign"
	"banhang/backend/internal/store"
)

// Payment codes are 12 digit integers so they stay inside the range the
// provider accepts for order codes.
const (
	paymentCodeMin = int64(100_000_000_000)
	paymentCodeMax = int64(999_999_999_999)

	providerSuccessCode = "00"
	expiredListLimit    = 200
)

// RequestPayment issues a fresh QR payment code for a pending QR order. The
// previous code stops resolving to the order.
func (s *Service) RequestPayment(ctx context.Context, orderID string) (domain.PaymentRequest, error) {
	var req domain.PaymentRequest
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		order, err := s.orderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.PaymentMethod != domain.PaymentMethodQR {
			return store.Invalid("payment_method", "order is not paid by qr")
		}
		if order.Status != domain.OrderStatusPending {
			return &store.InvalidStateTransitionError{OrderID: order.ID, From: string(order.Status), To: string(domain.OrderStatusPending)}
		}

		now := s.now()
		if err := s.issuePaymentCode(order, now); err != nil {
			return err
		}
		order.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		req = paymentRequestOf(*order)
		return s.audit(ctx, tx, order.StoreID, "payment_request", "order", order.ID,
			fmt.Sprintf("code=%d,amount=%d", order.PaymentCode, order.TotalAmount))
	})
	return req, err
}

// HandleWebhook applies a provider payment notification. Retries of an
// already applied notification succeed without changing anything.
func (s *Service) HandleWebhook(ctx context.Context, signal domain.PaymentSignal) (domain.WebhookResult, error) {
	data, err := paysign.Decode(signal.Data)
	if err != nil {
		return domain.WebhookResult{}, store.Invalid("data", "must be a json object")
	}
	code, codeErr := int64Field(data, "orderCode")

	if s.checksumKey == "" {
		s.logg.Error(ctx, "payment webhook rejected: checksum key is not configured", nil)
		s.stats.Webhook("rejected")
		return domain.WebhookResult{}, &store.SignatureMismatchError{Code: codeLabel(code)}
	}
	if !paysign.Verify(s.checksumKey, data, signal.Signature) {
		logCtx := s.logg.WithFields(ctx, map[string]any{"payment_code": codeLabel(code)})
		s.logg.Warn(logCtx, "payment webhook signature mismatch")
		s.stats.Webhook("rejected")
		return domain.WebhookResult{}, &store.SignatureMismatchError{Code: codeLabel(code)}
	}
	if !signedSuccess(data, signal.Code) {
		s.stats.Webhook(domain.WebhookOutcomeIgnored)
		return domain.WebhookResult{Outcome: domain.WebhookOutcomeIgnored}, nil
	}
	if codeErr != nil {
		return domain.WebhookResult{}, codeErr
	}

	replayKey := strings.ToUpper(strings.TrimSpace(signal.Signature))
	if seen, err := s.replay.Seen(ctx, replayKey); err != nil {
		s.warn(ctx, "webhook replay guard unavailable", err)
	} else if seen {
		s.stats.Webhook(domain.WebhookOutcomeDuplicate)
		return domain.WebhookResult{Outcome: domain.WebhookOutcomeDuplicate}, nil
	}

	amount, err := int64Field(data, "amount")
	if err != nil {
		return domain.WebhookResult{}, err
	}

	var result domain.WebhookResult
	var paid domain.Order
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		order, err := tx.FindOrderByPaymentCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			return &store.UnknownOrderError{Ref: strconv.FormatInt(code, 10)}
		}
		if err != nil {
			return err
		}
		result = domain.WebhookResult{OrderID: order.ID, Outcome: domain.WebhookOutcomeDuplicate}
		if order.Status.Settled() {
			return nil
		}
		if order.Status != domain.OrderStatusPending {
			return &store.InvalidStateTransitionError{OrderID: order.ID, From: string(order.Status), To: string(domain.OrderStatusPaid)}
		}
		if amount < order.TotalAmount {
			return store.Invalid("amount", fmt.Sprintf("paid %d is below order total %d", amount, order.TotalAmount))
		}

		now := s.now()
		applied, err := tx.MarkOrderPaid(ctx, order.ID, now)
		if err != nil || !applied {
			return err
		}
		order.Status = domain.OrderStatusPaid
		order.PaidAt = &now
		paid = *order
		result.Outcome = domain.WebhookOutcomePaid
		return s.audit(ctx, tx, order.StoreID, "payment_webhook_paid", "order", order.ID,
			fmt.Sprintf("code=%d,amount=%d", code, amount))
	})
	if err != nil {
		s.stats.Webhook("failed")
		return domain.WebhookResult{}, err
	}

	if err := s.replay.Mark(ctx, replayKey, s.replayTTL); err != nil {
		s.warn(ctx, "failed to remember webhook delivery", err)
	}
	if result.Outcome == domain.WebhookOutcomePaid {
		s.cacheStatus(ctx, s.paymentStatusOf(paid))
	}
	s.stats.Webhook(result.Outcome)
	return result, nil
}

// PaymentStatus answers the POS poller. Terminal answers are cached.
func (s *Service) PaymentStatus(ctx context.Context, code int64) (domain.PaymentStatus, error) {
	if cached, found, err := s.statusCache.Get(ctx, code); err != nil {
		s.warn(ctx, "payment status cache read failed", err)
	} else if found {
		return *cached, nil
	}

	order, err := s.repo.FindOrderByPaymentCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return domain.PaymentStatus{}, &store.UnknownOrderError{Ref: strconv.FormatInt(code, 10)}
	}
	if err != nil {
		return domain.PaymentStatus{}, err
	}

	status := s.paymentStatusOf(*order)
	if status.Terminal() {
		s.cacheStatus(ctx, status)
	}
	return status, nil
}

// ListExpiredPayments returns pending QR orders whose code has expired.
func (s *Service) ListExpiredPayments(ctx context.Context, storeID string) ([]domain.Order, error) {
	storeID = defaultString(storeID, s.defaultStoreID)
	return s.repo.ListExpiredPendingOrders(ctx, storeID, s.now(), expiredListLimit)
}

func (s *Service) issuePaymentCode(order *domain.Order, now time.Time) error {
	code, err := newPaymentCode()
	if err != nil {
		return err
	}
	expiresAt := now.Add(s.qrTTL)
	order.PaymentCode = code
	order.QRExpiresAt = &expiresAt
	return nil
}

func (s *Service) paymentStatusOf(order domain.Order) domain.PaymentStatus {
	status := domain.PaymentStatus{
		Code:      order.PaymentCode,
		OrderID:   order.ID,
		Status:    domain.PaymentStatusPending,
		ExpiresAt: order.QRExpiresAt,
	}
	switch {
	case order.Status.Settled():
		status.Status = domain.PaymentStatusPaid
	case order.Status == domain.OrderStatusCancelled:
		status.Status = domain.PaymentStatusCancelled
	default:
		status.Expired = order.QRExpiresAt != nil && s.now().After(*order.QRExpiresAt)
	}
	return status
}

func (s *Service) cacheStatus(ctx context.Context, status domain.PaymentStatus) {
	if err := s.statusCache.Set(ctx, status, s.statusTTL); err != nil {
		s.warn(ctx, "payment status cache write failed", err)
	}
}

func paymentRequestOf(order domain.Order) domain.PaymentRequest {
	req := domain.PaymentRequest{
		OrderID:     order.ID,
		Code:        order.PaymentCode,
		Amount:      order.TotalAmount,
		Description: fmt.Sprintf("DH%d", order.PaymentCode),
	}
	if order.QRExpiresAt != nil {
		req.ExpiresAt = *order.QRExpiresAt
	}
	return req
}

func newPaymentCode() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(paymentCodeMax-paymentCodeMin+1))
	if err != nil {
		return 0, fmt.Errorf("generate payment code: %w", err)
	}
	return paymentCodeMin + n.Int64(), nil
}

func int64Field(data map[string]any, key string) (int64, error) {
	raw, ok := data[key]
	if !ok || raw == nil {
		return 0, store.Invalid(key, "is required")
	}
	var text string
	switch v := raw.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = strings.TrimSpace(v)
	default:
		return 0, store.Invalid(key, "must be an integer")
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, store.Invalid(key, "must be an integer")
	}
	return value, nil
}

func codeLabel(code int64) string {
	if code == 0 {
		return ""
	}
	return strconv.FormatInt(code, 10)
}

// signedSuccess reads the outcome from the signed data object. The envelope
// code is outside the signature, so it may only agree with the signed one.
func signedSuccess(data map[string]any, envelopeCode string) bool {
	signed, ok := data["code"].(string)
	if !ok || signed != providerSuccessCode {
		return false
	}
	envelopeCode = strings.TrimSpace(envelopeCode)
	return envelopeCode == "" || envelopeCode == signed
}
