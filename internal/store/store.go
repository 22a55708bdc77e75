package store

import (
	"context"
	"time"

	"banhang/backend/internal/domain"
)

// Tx is one atomic scope. Every mutation made through it becomes visible
// together when the surrounding WithinTx returns nil, and none of them do
// otherwise. The *ForUpdate reads lock the returned rows until the scope ends.
type Tx interface {
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetStockForUpdate(ctx context.Context, storeID string, productID string) (*domain.Stock, error)
	SaveStock(ctx context.Context, stock domain.Stock) error
	ListBatchesForUpdate(ctx context.Context, storeID string, productID string) ([]domain.Batch, error)
	SaveBatch(ctx context.Context, batch domain.Batch) error
	GetCustomerForUpdate(ctx context.Context, customerID string) (*domain.Customer, error)
	SaveCustomer(ctx context.Context, customer domain.Customer) error

	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByPaymentCode(ctx context.Context, code int64) (*domain.Order, error)
	UpdateOrder(ctx context.Context, order domain.Order) error
	// MarkOrderPaid moves a pending order to paid and reports whether this
	// call performed the transition.
	MarkOrderPaid(ctx context.Context, id string, paidAt time.Time) (bool, error)

	CreateRefund(ctx context.Context, refund domain.Refund) error
	ListRefundsByOrder(ctx context.Context, orderID string) ([]domain.Refund, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type Repository interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	FindOrderByID(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)
	FindOrderByPaymentCode(ctx context.Context, code int64) (*domain.Order, error)
	ListExpiredPendingOrders(ctx context.Context, storeID string, before time.Time, limit int) ([]domain.Order, error)
	ListRefundsByOrder(ctx context.Context, orderID string) ([]domain.Refund, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
