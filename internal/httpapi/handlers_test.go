package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"banhang/backend/internal/domain"
	"banhang/backend/internal/metrics"
	"banhang/backend/internal/paysign"
	"banhang/backend/internal/service"
	"banhang/backend/internal/store/memory"
)

const (
	testStoreID     = "main-store"
	testChecksumKey = "test-checksum-key"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo, err := memory.NewSeeded(testStoreID)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	registry := prometheus.NewRegistry()
	svc := service.New(repo, service.Options{
		DefaultStoreID: testStoreID,
		ChecksumKey:    testChecksumKey,
		Metrics:        metrics.New(registry),
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, Options{
		AllowedOrigin: "*",
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()
	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: username,
		Password: password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func loginAsAdmin(t *testing.T, api *API) string {
	t.Helper()
	return loginAs(t, api, "admin", "admin123")
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, rec.Body.String())
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeResponse[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	resp := decodeResponse[domain.LoginResponse](t, rec)
	if resp.AccessToken == "" {
		t.Fatal("expected non-empty access_token")
	}
	if resp.Role != "admin" {
		t.Fatalf("expected role admin, got %s", resp.Role)
	}
}

func TestHandleLogin_BadCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleLogin_MissingFieldIsValidationError(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeResponse[map[string]any](t, rec)
	if body["code"] != string(codeValidation) {
		t.Fatalf("expected validation code, got %v", body["code"])
	}
	if !strings.Contains(fmt.Sprint(body["error"]), "password") {
		t.Fatalf("expected json field name in message, got %v", body["error"])
	}
}

func TestOrdersRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/orders", "", map[string]any{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = doJSON(t, api.Handler(), http.MethodGet, "/api/v1/orders/ord-x", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestCashOrderAndRefundOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashier := loginAs(t, api, "cashier", "cashier123")
	admin := loginAsAdmin(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/orders", cashier, domain.CreateOrderRequest{
		Items:         []domain.CreateOrderItem{{ProductID: "P-SUA-CHUA", Quantity: 2}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeResponse[domain.CreateOrderResponse](t, rec)
	order := created.Order
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid cash order, got %s", order.Status)
	}
	if order.Subtotal != 20000 || order.VATAmount != 2000 || order.TotalAmount != 22000 {
		t.Fatalf("unexpected totals subtotal=%d vat=%d total=%d", order.Subtotal, order.VATAmount, order.TotalAmount)
	}
	if created.PaymentRequest != nil {
		t.Fatalf("cash order must not carry a payment request")
	}

	refundBody := map[string]any{
		"reason":      "khách đổi ý",
		"items":       []map[string]any{{"product_id": "P-SUA-CHUA", "quantity": 1}},
		"manager_pin": "123456",
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+order.ID+"/refund", cashier, refundBody)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected cashier refund to be forbidden, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+order.ID+"/refund", admin, refundBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	refund := decodeResponse[domain.RefundResponse](t, rec)
	if refund.OrderStatus != domain.OrderStatusPartiallyRefunded {
		t.Fatalf("expected partially refunded, got %s", refund.OrderStatus)
	}
	if refund.Refund.RefundAmount != 10000 {
		t.Fatalf("expected refund amount 10000, got %d", refund.Refund.RefundAmount)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/stores/"+testStoreID+"/stock/P-SUA-CHUA", cashier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for stock snapshot, got %d", rec.Code)
	}
	snapshot := decodeResponse[domain.StockSnapshot](t, rec)
	if snapshot.OnHand != 119 {
		t.Fatalf("expected 119 on hand after sale and refund, got %d", snapshot.OnHand)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+order.ID+"/refund", admin, map[string]any{
		"reason":      "thêm",
		"items":       []map[string]any{{"product_id": "P-SUA-CHUA", "quantity": 2}},
		"manager_pin": "123456",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for refund over purchase, got %d", rec.Code)
	}
	body := decodeResponse[map[string]any](t, rec)
	if body["code"] != string(codeRefundExceeded) {
		t.Fatalf("expected refund exceeded code, got %v", body["code"])
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/orders/"+order.ID+"/audit-logs", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for audit logs, got %d", rec.Code)
	}
	logs := decodeResponse[map[string][]domain.AuditLog](t, rec)["logs"]
	if len(logs) != 2 || logs[0].Action != "order_refund" || logs[0].ActorUsername != "admin" {
		t.Fatalf("unexpected audit trail %+v", logs)
	}
}

func TestRefundRejectsSpoofedReviewer(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAsAdmin(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/orders", admin, domain.CreateOrderRequest{
		Items:         []domain.CreateOrderItem{{ProductID: "P-SUA-CHUA", Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	order := decodeResponse[domain.CreateOrderResponse](t, rec).Order

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+order.ID+"/refund", admin, map[string]any{
		"employee_id": "cashier2",
		"reason":      "khách đổi ý",
		"items":       []map[string]any{{"product_id": "P-SUA-CHUA", "quantity": 1}},
		"manager_pin": "123456",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for spoofed employee_id, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeResponse[map[string]any](t, rec)
	if body["code"] != string(codeValidation) || !strings.Contains(fmt.Sprint(body["error"]), "employee_id") {
		t.Fatalf("expected employee_id validation error, got %v", body)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/stores/"+testStoreID+"/stock/P-SUA-CHUA", admin, nil)
	if snapshot := decodeResponse[domain.StockSnapshot](t, rec); snapshot.OnHand != 119 {
		t.Fatalf("rejected refund must not restock, on hand %d", snapshot.OnHand)
	}
}

func TestCreateOrderErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashier := loginAs(t, api, "cashier", "cashier123")

	tests := []struct {
		name       string
		payload    any
		wantStatus int
		wantCode   errorCode
	}{
		{
			name:       "empty cart",
			payload:    map[string]any{"items": []any{}, "payment_method": "cash"},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeValidation,
		},
		{
			name:       "unknown payment method",
			payload:    map[string]any{"items": []map[string]any{{"product_id": "P-SUA-CHUA", "quantity": 1}}, "payment_method": "card"},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeValidation,
		},
		{
			name:       "unknown field",
			payload:    map[string]any{"items": []map[string]any{{"product_id": "P-SUA-CHUA", "quantity": 1}}, "payment_method": "cash", "tip": 1},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeValidation,
		},
		{
			name:       "unknown product",
			payload:    map[string]any{"items": []map[string]any{{"product_id": "P-NOPE", "quantity": 1}}, "payment_method": "cash"},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   codeUnknownProduct,
		},
		{
			name:       "insufficient stock",
			payload:    map[string]any{"items": []map[string]any{{"product_id": "P-BANH-MI", "quantity": 500}}, "payment_method": "cash"},
			wantStatus: http.StatusConflict,
			wantCode:   codeInsufficientStock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPost, "/api/v1/orders", cashier, tt.payload)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (body: %s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			body := decodeResponse[map[string]any](t, rec)
			if body["code"] != string(tt.wantCode) {
				t.Fatalf("expected code %s, got %v", tt.wantCode, body["code"])
			}
		})
	}
}

func TestInsufficientStockCarriesAvailable(t *testing.T) {
	api := newTestAPI(t)
	cashier := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/orders", cashier, domain.CreateOrderRequest{
		Items:         []domain.CreateOrderItem{{ProductID: "P-BANH-MI", Quantity: 121}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	body := decodeResponse[struct {
		Details map[string]any `json:"details"`
	}](t, rec)
	if body.Details["product_id"] != "P-BANH-MI" || body.Details["available"] != float64(120) {
		t.Fatalf("unexpected details %+v", body.Details)
	}
}

func TestQRWebhookOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashier := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/orders", cashier, domain.CreateOrderRequest{
		Items:         []domain.CreateOrderItem{{ProductID: "P-NUOC-SUOI", Quantity: 3}},
		PaymentMethod: domain.PaymentMethodQR,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeResponse[domain.CreateOrderResponse](t, rec)
	if created.PaymentRequest == nil || created.PaymentRequest.Code == 0 {
		t.Fatalf("expected payment request for qr order, got %+v", created)
	}
	code := created.PaymentRequest.Code
	statusPath := fmt.Sprintf("/api/v1/orders/pos/payment-status/%d", code)

	rec = doJSON(t, handler, http.MethodGet, statusPath, cashier, nil)
	if got := decodeResponse[domain.PaymentStatus](t, rec); got.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending before webhook, got %s", got.Status)
	}

	raw := fmt.Sprintf(`{"orderCode":%d,"amount":%d,"description":"DH%d","code":"00"}`, code, created.Order.TotalAmount, code)
	data, err := paysign.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	signal := map[string]any{
		"code":      "00",
		"desc":      "success",
		"success":   true,
		"data":      json.RawMessage(raw),
		"signature": paysign.Sign(testChecksumKey, data),
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/webhooks/payment", "", signal)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected webhook 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if got := decodeResponse[map[string]any](t, rec); got["outcome"] != domain.WebhookOutcomePaid {
		t.Fatalf("expected paid outcome, got %v", got["outcome"])
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/webhooks/payment", "", signal)
	if got := decodeResponse[map[string]any](t, rec); rec.Code != http.StatusOK || got["outcome"] != domain.WebhookOutcomeDuplicate {
		t.Fatalf("expected duplicate replay acknowledged, got %d %v", rec.Code, got)
	}

	rec = doJSON(t, handler, http.MethodGet, statusPath, cashier, nil)
	if got := decodeResponse[domain.PaymentStatus](t, rec); got.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected paid after webhook, got %s", got.Status)
	}

	signal["signature"] = strings.Repeat("0", 64)
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/webhooks/payment", "", signal)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged signature, got %d", rec.Code)
	}
	if got := decodeResponse[map[string]any](t, rec); got["error"] != "signature mismatch" {
		t.Fatalf("expected public message only, got %v", got["error"])
	}
}

func TestHoldConfirmCancelOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashier := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/orders", cashier, domain.CreateOrderRequest{
		Items:         []domain.CreateOrderItem{{ProductID: "P-CAFE-SUA", Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
		Hold:          true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	held := decodeResponse[domain.CreateOrderResponse](t, rec).Order
	if held.Status != domain.OrderStatusDraft {
		t.Fatalf("expected draft, got %s", held.Status)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+held.ID+"/cancel", cashier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cancel with empty body to succeed, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+held.ID+"/confirm", cashier, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 confirming a cancelled order, got %d", rec.Code)
	}
	body := decodeResponse[map[string]any](t, rec)
	if body["code"] != string(codeInvalidTransition) {
		t.Fatalf("expected invalid transition code, got %v", body["code"])
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+held.ID+"/print", cashier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected print to succeed, got %d", rec.Code)
	}
	if got := decodeResponse[map[string]any](t, rec); got["print_count"] != float64(1) {
		t.Fatalf("expected print_count 1, got %v", got["print_count"])
	}
}

func TestGetUnknownOrderReturns404(t *testing.T) {
	api := newTestAPI(t)
	cashier := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/orders/ord-missing", cashier, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPaymentStatusRejectsMalformedCode(t *testing.T) {
	api := newTestAPI(t)
	cashier := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/orders/pos/payment-status/abc", cashier, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashier := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/orders", cashier, domain.CreateOrderRequest{
		Items:         []domain.CreateOrderItem{{ProductID: "P-BANH-MI", Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "banhang_orders_created_total") {
		t.Fatalf("expected order counter in metrics output")
	}
}
