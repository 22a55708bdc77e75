package domain

import (
	"encoding/json"
	"time"
)

const (
	PaymentMethodCash = "cash"
	PaymentMethodQR   = "qr"
)

// TaxExempt is the tax rate sentinel for products without VAT.
const TaxExempt = -1

type Product struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ListPrice int64   `json:"list_price"`
	CostPrice int64   `json:"cost_price"`
	TaxRate   float64 `json:"tax_rate"`
	Active    bool    `json:"active"`
}

type Batch struct {
	ID         string     `json:"id"`
	StoreID    string     `json:"store_id"`
	ProductID  string     `json:"product_id"`
	Quantity   int        `json:"quantity"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
}

// Stock is the (store, product) ledger row. Quantity is the flat counter used
// when the product has no batches.
type Stock struct {
	StoreID   string    `json:"store_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StockSnapshot struct {
	Stock     Stock   `json:"stock"`
	OnHand    int     `json:"on_hand"`
	Available int     `json:"available"`
	Batches   []Batch `json:"batches,omitempty"`
}

type Customer struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	LoyaltyPoints int64  `json:"loyalty_points"`
}

type OrderItem struct {
	ProductID    string   `json:"product_id"`
	Quantity     int      `json:"quantity"`
	UnitPrice    int64    `json:"unit_price"`
	SaleType     SaleType `json:"sale_type"`
	CustomPrice  *int64   `json:"custom_price,omitempty"`
	BatchID      string   `json:"batch_id,omitempty"`
	TaxRate      float64  `json:"tax_rate"`
	LineSubtotal int64    `json:"line_subtotal"`
	VATAmount    int64    `json:"vat_amount"`
}

type Order struct {
	ID                string      `json:"id"`
	StoreID           string      `json:"store_id"`
	EmployeeID        string      `json:"employee_id"`
	CustomerID        string      `json:"customer_id,omitempty"`
	Items             []OrderItem `json:"items"`
	Subtotal          int64       `json:"subtotal"`
	DiscountAmount    int64       `json:"discount_amount"`
	LoyaltyPointsUsed int64       `json:"loyalty_points_used"`
	VATAmount         int64       `json:"vat_amount"`
	TotalAmount       int64       `json:"total_amount"`
	PaymentMethod     string      `json:"payment_method"`
	Status            OrderStatus `json:"status"`
	RefundID          string      `json:"refund_id,omitempty"`
	PaymentCode       int64       `json:"payment_code,omitempty"`
	QRExpiresAt       *time.Time  `json:"qr_expires_at,omitempty"`
	PrintCount        int         `json:"print_count"`
	IdempotencyKey    string      `json:"idempotency_key,omitempty"`
	CancelReason      string      `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	PaidAt            *time.Time  `json:"paid_at,omitempty"`
	CancelledAt       *time.Time  `json:"cancelled_at,omitempty"`
}

// PurchasedByProduct sums line quantities per product.
func (o Order) PurchasedByProduct() map[string]int {
	out := make(map[string]int, len(o.Items))
	for _, item := range o.Items {
		out[item.ProductID] += item.Quantity
	}
	return out
}

type Refund struct {
	ID           string       `json:"id"`
	OrderID      string       `json:"order_id"`
	EmployeeID   string       `json:"employee_id"`
	Reason       string       `json:"reason"`
	Evidence     []string     `json:"evidence"`
	Items        []RefundItem `json:"items"`
	RefundAmount int64        `json:"refund_amount"`
	CreatedAt    time.Time    `json:"created_at"`
}

type RefundItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
	Subtotal  int64  `json:"subtotal"`
}

type CreateOrderItem struct {
	ProductID   string   `json:"product_id" validate:"required"`
	Quantity    int      `json:"quantity" validate:"required,min=1"`
	SaleType    SaleType `json:"sale_type,omitempty"`
	CustomPrice *int64   `json:"custom_price,omitempty" validate:"omitempty,min=0"`
}

type CreateOrderRequest struct {
	StoreID        string            `json:"store_id"`
	EmployeeID     string            `json:"employee_id"`
	CustomerID     string            `json:"customer_id,omitempty"`
	Items          []CreateOrderItem `json:"items" validate:"required,min=1,dive"`
	PaymentMethod  string            `json:"payment_method" validate:"required,oneof=cash qr"`
	ApplyVAT       *bool             `json:"apply_vat,omitempty"`
	LoyaltyPoints  int64             `json:"loyalty_points,omitempty" validate:"min=0"`
	Hold           bool              `json:"hold,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type CreateOrderResponse struct {
	Order          Order           `json:"order"`
	PaymentRequest *PaymentRequest `json:"payment_request,omitempty"`
	Duplicate      bool            `json:"duplicate"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type RefundItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

type RefundRequest struct {
	OrderID    string              `json:"-"`
	EmployeeID string              `json:"employee_id"`
	Reason     string              `json:"reason" validate:"required"`
	Items      []RefundItemRequest `json:"items" validate:"required,min=1,dive"`
	Evidence   []string            `json:"evidence,omitempty"`
	ManagerPIN string              `json:"manager_pin"`
}

type RefundResponse struct {
	Refund      Refund      `json:"refund"`
	OrderStatus OrderStatus `json:"order_status"`
}

type PaymentRequest struct {
	OrderID     string    `json:"order_id"`
	Code        int64     `json:"code"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	ExpiresAt   time.Time `json:"expires_at"`
}

const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusPaid      = "PAID"
	PaymentStatusCancelled = "CANCELLED"
)

type PaymentStatus struct {
	Code      int64      `json:"code"`
	OrderID   string     `json:"order_id"`
	Status    string     `json:"status"`
	Expired   bool       `json:"expired"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Terminal reports whether polling for this status can stop.
func (p PaymentStatus) Terminal() bool {
	return p.Status == PaymentStatusPaid || p.Status == PaymentStatusCancelled
}

// PaymentSignal is the webhook body sent by the payment provider. Data is
// kept raw because the signature covers its exact field values.
type PaymentSignal struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type WebhookResult struct {
	OrderID string `json:"order_id,omitempty"`
	Outcome string `json:"outcome"`
}

const (
	WebhookOutcomePaid      = "paid"
	WebhookOutcomeDuplicate = "duplicate"
	WebhookOutcomeIgnored   = "ignored"
)

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
