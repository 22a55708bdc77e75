package memory

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"banhang/backend/internal/domain"
	"banhang/backend/internal/store"
)

type stockKey struct {
	storeID   string
	productID string
}

type state struct {
	products       map[string]domain.Product
	stocks         map[stockKey]domain.Stock
	batches        map[string]domain.Batch
	customers      map[string]domain.Customer
	orders         map[string]domain.Order
	ordersByIdem   map[string]string
	ordersByCode   map[int64]string
	refunds        map[string]domain.Refund
	refundsByOrder map[string][]string
	auditLogs      []domain.AuditLog
	users          map[string]domain.UserAccount
}

// Store keeps everything in process memory. WithinTx holds the single lock for
// the whole scope, so scopes run one at a time, and restores the pre-scope
// state when the callback fails.
type Store struct {
	mu   sync.Mutex
	data *state
}

func New() *Store {
	return &Store{data: &state{
		products:       make(map[string]domain.Product),
		stocks:         make(map[stockKey]domain.Stock),
		batches:        make(map[string]domain.Batch),
		customers:      make(map[string]domain.Customer),
		orders:         make(map[string]domain.Order),
		ordersByIdem:   make(map[string]string),
		ordersByCode:   make(map[int64]string),
		refunds:        make(map[string]domain.Refund),
		refundsByOrder: make(map[string][]string),
		auditLogs:      make([]domain.AuditLog, 0, 128),
		users:          make(map[string]domain.UserAccount),
	}}
}

// DefaultSeedCredentials reports whether NewSeeded falls back to the dev
// passwords because SEED_ADMIN_PASSWORD or SEED_CASHIER_PASSWORD is unset.
func DefaultSeedCredentials() bool {
	return os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == ""
}

func seedUsers() ([]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 3)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
		{"cashier2", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small demo catalog for storeID, the demo
// users and one loyalty customer.
func NewSeeded(storeID string) (*Store, error) {
	if storeID == "" {
		storeID = "main-store"
	}
	s := New()
	now := time.Now().UTC()
	soon := now.AddDate(0, 0, 10)
	later := now.AddDate(0, 2, 0)

	products := []domain.Product{
		{ID: "P-CAFE-SUA", Name: "Cà phê sữa đá", ListPrice: 29000, CostPrice: 12000, TaxRate: 8, Active: true},
		{ID: "P-BANH-MI", Name: "Bánh mì thịt", ListPrice: 25000, CostPrice: 14000, TaxRate: 8, Active: true},
		{ID: "P-SUA-CHUA", Name: "Sữa chua", ListPrice: 10000, CostPrice: 6000, TaxRate: 10, Active: true},
		{ID: "P-NUOC-SUOI", Name: "Nước suối 500ml", ListPrice: 6000, CostPrice: 3000, TaxRate: 10, Active: true},
		{ID: "P-GAO-5KG", Name: "Gạo 5kg", ListPrice: 120000, CostPrice: 95000, TaxRate: domain.TaxExempt, Active: true},
	}
	for _, p := range products {
		s.PutProduct(p)
		s.PutStock(domain.Stock{StoreID: storeID, ProductID: p.ID, Quantity: 120})
	}
	s.PutBatch(domain.Batch{ID: "B-SUA-CHUA-01", StoreID: storeID, ProductID: "P-SUA-CHUA", Quantity: 40, ExpiryDate: &soon, ReceivedAt: now})
	s.PutBatch(domain.Batch{ID: "B-SUA-CHUA-02", StoreID: storeID, ProductID: "P-SUA-CHUA", Quantity: 80, ExpiryDate: &later, ReceivedAt: now})
	s.PutCustomer(domain.Customer{ID: "C-LOYAL-01", Name: "Nguyễn Văn A", LoyaltyPoints: 500})

	users, err := seedUsers()
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		s.data.users[u.Username] = u
	}
	return s, nil
}

// PutProduct, PutStock, PutBatch and PutCustomer insert or replace catalog
// rows outside of any scope.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.products[product.ID] = product
}

func (s *Store) PutStock(stock domain.Stock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.stocks[stockKey{stock.StoreID, stock.ProductID}] = stock
}

func (s *Store) PutBatch(batch domain.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.batches[batch.ID] = cloneBatch(batch)
}

func (s *Store) PutCustomer(customer domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.customers[customer.ID] = customer
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	defer func() {
		if r := recover(); r != nil {
			s.data = snapshot
			panic(r)
		}
		if err != nil {
			s.data = snapshot
		}
	}()
	return fn(&txView{st: s.data})
}

func (s *Store) FindOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.order(id)
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.data.ordersByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.data.order(id)
}

func (s *Store) FindOrderByPaymentCode(_ context.Context, code int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.orderByCode(code)
}

func (s *Store) ListExpiredPendingOrders(_ context.Context, storeID string, before time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Order, 0, 16)
	for _, order := range s.data.orders {
		if order.Status != domain.OrderStatusPending || order.PaymentMethod != domain.PaymentMethodQR {
			continue
		}
		if storeID != "" && order.StoreID != storeID {
			continue
		}
		if order.QRExpiresAt == nil || !order.QRExpiresAt.Before(before) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		if c := a.QRExpiresAt.Compare(*b.QRExpiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListRefundsByOrder(_ context.Context, orderID string) ([]domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.refundsFor(orderID), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.auditLogs = append(s.data.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AuditLog, 0, 16)
	for i := len(s.data.auditLogs) - 1; i >= 0; i-- {
		entry := s.data.auditLogs[i]
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.Invalid("username", "is required")
	}
	if _, exists := s.data.users[username]; exists {
		return store.Invalid("username", "already exists")
	}
	user.Username = username
	s.data.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := slices.Collect(maps.Values(s.data.users))
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.data.users[username] = user
	return nil
}

// txView is the store.Tx handed to WithinTx callbacks. The caller already
// holds the store lock.
type txView struct {
	st *state
}

func (t *txView) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := t.st.products[id]; ok && product.Active {
			out[id] = product
		}
	}
	return out, nil
}

func (t *txView) GetStockForUpdate(_ context.Context, storeID string, productID string) (*domain.Stock, error) {
	stock, ok := t.st.stocks[stockKey{storeID, productID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &stock, nil
}

func (t *txView) SaveStock(_ context.Context, stock domain.Stock) error {
	if stock.Quantity < 0 || stock.Reserved < 0 {
		return store.Invalid("stock", "quantities must not be negative")
	}
	t.st.stocks[stockKey{stock.StoreID, stock.ProductID}] = stock
	return nil
}

func (t *txView) ListBatchesForUpdate(_ context.Context, storeID string, productID string) ([]domain.Batch, error) {
	out := make([]domain.Batch, 0, 4)
	for _, batch := range t.st.batches {
		if batch.StoreID == storeID && batch.ProductID == productID {
			out = append(out, cloneBatch(batch))
		}
	}
	slices.SortFunc(out, func(a, b domain.Batch) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (t *txView) SaveBatch(_ context.Context, batch domain.Batch) error {
	if batch.Quantity < 0 {
		return store.Invalid("batch", "quantity must not be negative")
	}
	t.st.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (t *txView) GetCustomerForUpdate(_ context.Context, customerID string) (*domain.Customer, error) {
	customer, ok := t.st.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (t *txView) SaveCustomer(_ context.Context, customer domain.Customer) error {
	t.st.customers[customer.ID] = customer
	return nil
}

func (t *txView) CreateOrder(_ context.Context, order domain.Order) error {
	if _, exists := t.st.orders[order.ID]; exists {
		return fmt.Errorf("order %s: %w", order.ID, store.ErrConflict)
	}
	if order.IdempotencyKey != "" {
		if _, exists := t.st.ordersByIdem[order.IdempotencyKey]; exists {
			return fmt.Errorf("idempotency key %s: %w", order.IdempotencyKey, store.ErrConflict)
		}
		t.st.ordersByIdem[order.IdempotencyKey] = order.ID
	}
	if order.PaymentCode != 0 {
		t.st.ordersByCode[order.PaymentCode] = order.ID
	}
	t.st.orders[order.ID] = cloneOrder(order)
	return nil
}

func (t *txView) GetOrderForUpdate(_ context.Context, id string) (*domain.Order, error) {
	return t.st.order(id)
}

func (t *txView) FindOrderByPaymentCode(_ context.Context, code int64) (*domain.Order, error) {
	return t.st.orderByCode(code)
}

func (t *txView) UpdateOrder(_ context.Context, order domain.Order) error {
	prev, ok := t.st.orders[order.ID]
	if !ok {
		return store.ErrNotFound
	}
	if prev.PaymentCode != order.PaymentCode {
		delete(t.st.ordersByCode, prev.PaymentCode)
		if order.PaymentCode != 0 {
			t.st.ordersByCode[order.PaymentCode] = order.ID
		}
	}
	t.st.orders[order.ID] = cloneOrder(order)
	return nil
}

func (t *txView) MarkOrderPaid(_ context.Context, id string, paidAt time.Time) (bool, error) {
	order, ok := t.st.orders[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return false, nil
	}
	order.Status = domain.OrderStatusPaid
	order.PaidAt = &paidAt
	order.UpdatedAt = paidAt
	t.st.orders[id] = order
	return true, nil
}

func (t *txView) CreateRefund(_ context.Context, refund domain.Refund) error {
	if _, exists := t.st.refunds[refund.ID]; exists {
		return store.Invalid("refund_id", "already exists")
	}
	t.st.refunds[refund.ID] = cloneRefund(refund)
	t.st.refundsByOrder[refund.OrderID] = append(slices.Clone(t.st.refundsByOrder[refund.OrderID]), refund.ID)
	return nil
}

func (t *txView) ListRefundsByOrder(_ context.Context, orderID string) ([]domain.Refund, error) {
	return t.st.refundsFor(orderID), nil
}

func (t *txView) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	t.st.auditLogs = append(t.st.auditLogs, entry)
	return nil
}

func (st *state) order(id string) (*domain.Order, error) {
	order, ok := st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneOrder(order)
	return &dup, nil
}

func (st *state) orderByCode(code int64) (*domain.Order, error) {
	id, ok := st.ordersByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st.order(id)
}

func (st *state) refundsFor(orderID string) []domain.Refund {
	ids := st.refundsByOrder[orderID]
	out := make([]domain.Refund, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRefund(st.refunds[id]))
	}
	return out
}

// clone copies every map so a failed scope can be rolled back. Stored values
// are never mutated in place, so their slices can be shared.
func (st *state) clone() *state {
	refundsByOrder := make(map[string][]string, len(st.refundsByOrder))
	for k, v := range st.refundsByOrder {
		refundsByOrder[k] = slices.Clone(v)
	}
	return &state{
		products:       maps.Clone(st.products),
		stocks:         maps.Clone(st.stocks),
		batches:        maps.Clone(st.batches),
		customers:      maps.Clone(st.customers),
		orders:         maps.Clone(st.orders),
		ordersByIdem:   maps.Clone(st.ordersByIdem),
		ordersByCode:   maps.Clone(st.ordersByCode),
		refunds:        maps.Clone(st.refunds),
		refundsByOrder: refundsByOrder,
		auditLogs:      slices.Clone(st.auditLogs),
		users:          maps.Clone(st.users),
	}
}

func cloneOrder(src domain.Order) domain.Order {
	dup := src
	dup.Items = slices.Clone(src.Items)
	return dup
}

func cloneRefund(src domain.Refund) domain.Refund {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.Evidence = slices.Clone(src.Evidence)
	return dup
}

func cloneBatch(src domain.Batch) domain.Batch {
	dup := src
	if src.ExpiryDate != nil {
		expiry := src.ExpiryDate.UTC()
		dup.ExpiryDate = &expiry
	}
	return dup
}
