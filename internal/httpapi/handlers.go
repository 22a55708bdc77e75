package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"banhang/backend/internal/domain"
	"banhang/backend/internal/store"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	resp, err := a.service.CreateOrder(r.Context(), req)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	refunds, err := a.service.ListRefunds(r.Context(), order.ID)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order, "refunds": refunds})
}

func (a *API) handleConfirmOrder(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ConfirmOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelOrderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	order, err := a.service.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), req.Reason)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleSetPaidCash(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.ConfirmCashPaid(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handlePaymentRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.service.RequestPayment(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handlePrint(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.RecordPrint(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": order.ID, "print_count": order.PrintCount})
}

func (a *API) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "code")), 10, 64)
	if err != nil || code <= 0 {
		a.writeServiceError(r.Context(), w, store.Invalid("code", "must be a positive integer"))
		return
	}

	status, err := a.service.PaymentStatus(r.Context(), code)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleExpiredPayments(w http.ResponseWriter, r *http.Request) {
	orders, err := a.service.ListExpiredPayments(r.Context(), r.URL.Query().Get("store_id"))
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// handlePaymentWebhook accepts unknown fields because the provider may add
// them; only the signed data object matters.
func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var signal domain.PaymentSignal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		a.writeServiceError(r.Context(), w, store.Invalid("body", "invalid json"))
		return
	}

	result, err := a.service.HandleWebhook(r.Context(), signal)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"order_id": result.OrderID,
		"outcome":  result.Outcome,
	})
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	if !a.pinLimiter.Allow("pin:refund:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	req.OrderID = chi.URLParam(r, "orderID")
	resp, err := a.service.CreateRefund(r.Context(), req)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStockSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.service.StockSnapshot(r.Context(), chi.URLParam(r, "storeID"), chi.URLParam(r, "productID"))
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), chi.URLParam(r, "orderID"), limit)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
