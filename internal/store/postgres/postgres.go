package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"banhang/backend/internal/domain"
	"banhang/backend/internal/store"
	"banhang/backend/internal/xid"
)

const (
	maxTxAttempts = 5
	retryBackoff  = 15 * time.Millisecond
)

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so reads can be shared
// between the plain repository and a transaction scope.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// WithinTx runs fn in a serializable transaction. Serialization failures and
// deadlocks restart fn from scratch, so fn must not keep state across calls.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", maxTxAttempts, err)
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&txView{q: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return findOrder(ctx, s.db, "id", id, false)
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	if strings.TrimSpace(key) == "" {
		return nil, store.ErrNotFound
	}
	return findOrder(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) FindOrderByPaymentCode(ctx context.Context, code int64) (*domain.Order, error) {
	return findOrder(ctx, s.db, "payment_code", code, false)
}

func (s *Store) ListExpiredPendingOrders(ctx context.Context, storeID string, before time.Time, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending'
			AND payment_method = 'qr'
			AND qr_expires_at < $1
			AND ($2::text = '' OR store_id = $2)
		ORDER BY qr_expires_at ASC, id ASC
		LIMIT $3
	`, before, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 16)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadItems(ctx, s.db, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) ListRefundsByOrder(ctx context.Context, orderID string) ([]domain.Refund, error) {
	return listRefunds(ctx, s.db, orderID)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return insertAuditLog(ctx, s.db, entry)
}

// ListAuditLogs returns the newest entries for one entity first.
func (s *Store) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE entity_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.Invalid("username", "username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.Username, store.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.Invalid("password", "username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const orderColumns = `id, store_id, employee_id, customer_id, subtotal, discount_amount,
	loyalty_points_used, vat_amount, total_amount, payment_method, status, refund_id,
	payment_code, qr_expires_at, print_count, idempotency_key, cancel_reason,
	created_at, updated_at, paid_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var customerID, refundID, idempotencyKey sql.NullString
	var paymentCode sql.NullInt64
	var qrExpiresAt, paidAt, cancelledAt sql.NullTime
	var status string

	err := row.Scan(
		&order.ID,
		&order.StoreID,
		&order.EmployeeID,
		&customerID,
		&order.Subtotal,
		&order.DiscountAmount,
		&order.LoyaltyPointsUsed,
		&order.VATAmount,
		&order.TotalAmount,
		&order.PaymentMethod,
		&status,
		&refundID,
		&paymentCode,
		&qrExpiresAt,
		&order.PrintCount,
		&idempotencyKey,
		&order.CancelReason,
		&order.CreatedAt,
		&order.UpdatedAt,
		&paidAt,
		&cancelledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	order.Status = domain.OrderStatus(status)
	order.CustomerID = customerID.String
	order.RefundID = refundID.String
	order.IdempotencyKey = idempotencyKey.String
	order.PaymentCode = paymentCode.Int64
	order.QRExpiresAt = timePtr(qrExpiresAt)
	order.PaidAt = timePtr(paidAt)
	order.CancelledAt = timePtr(cancelledAt)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return &order, nil
}

func findOrder(ctx context.Context, q querier, column string, value any, forUpdate bool) (*domain.Order, error) {
	switch column {
	case "id", "idempotency_key", "payment_code":
	default:
		return nil, fmt.Errorf("unsupported lookup column %q", column)
	}

	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s = $1`, orderColumns, column)
	if forUpdate {
		query += " FOR UPDATE"
	}
	order, err := scanOrder(q.QueryRowContext(ctx, query, value))
	if err != nil {
		return nil, err
	}

	orders := []domain.Order{*order}
	if err := loadItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// loadItems fills Items for every order with one query.
func loadItems(ctx context.Context, q querier, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	index := make(map[string]int, len(orders))
	ids := make([]string, 0, len(orders))
	for i, order := range orders {
		index[order.ID] = i
		ids = append(ids, order.ID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT order_id, product_id, quantity, unit_price, sale_type, custom_price,
			batch_id, tax_rate, line_subtotal, vat_amount
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no ASC
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID, saleType string
		var customPrice sql.NullInt64
		var batchID sql.NullString
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.Quantity, &item.UnitPrice, &saleType, &customPrice,
			&batchID, &item.TaxRate, &item.LineSubtotal, &item.VATAmount); err != nil {
			return err
		}
		item.SaleType = domain.SaleType(saleType)
		item.BatchID = batchID.String
		if customPrice.Valid {
			price := customPrice.Int64
			item.CustomPrice = &price
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return rows.Err()
}

func insertAuditLog(ctx context.Context, q querier, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isRetryable matches serialization_failure and deadlock_detected.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfZero(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return nowDateUTC(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
