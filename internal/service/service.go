package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"banhang/backend/internal/cache"
	"banhang/backend/internal/domain"
	"banhang/backend/internal/ledger"
	"banhang/backend/internal/logger"
	"banhang/backend/internal/metrics"
	"banhang/backend/internal/store"
	"banhang/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultStoreID string

	// ChecksumKey signs payment webhooks. Webhooks are rejected while empty.
	ChecksumKey string
	QRTTL       time.Duration
	StatusTTL   time.Duration
	ReplayTTL   time.Duration

	VNDPerPoint     int64
	MinRedeemPoints int64

	// DeferCashConfirmation leaves cash orders pending until a cashier
	// confirms the money was received.
	DeferCashConfirmation bool

	Logger      *logger.Logger
	Metrics     *metrics.Engine
	StatusCache cache.PaymentStatusCache
	ReplayGuard cache.ReplayGuard
	Now         func() time.Time
}

type Service struct {
	repo   store.Repository
	ledger *ledger.Ledger
	logg   *logger.Logger
	stats  *metrics.Engine

	statusCache cache.PaymentStatusCache
	replay      cache.ReplayGuard
	now         func() time.Time

	defaultStoreID  string
	checksumKey     string
	qrTTL           time.Duration
	statusTTL       time.Duration
	replayTTL       time.Duration
	vndPerPoint     int64
	minRedeemPoints int64
	deferCash       bool
}

func New(repo store.Repository, opts Options) *Service {
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.StatusCache == nil {
		opts.StatusCache = cache.NoopPaymentStatusCache{}
	}
	if opts.ReplayGuard == nil {
		opts.ReplayGuard = cache.NoopReplayGuard{}
	}
	if opts.QRTTL <= 0 {
		opts.QRTTL = 5 * time.Minute
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 10 * time.Minute
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = 24 * time.Hour
	}
	if opts.VNDPerPoint <= 0 {
		opts.VNDPerPoint = 1000
	}

	now := opts.Now
	return &Service{
		repo:            repo,
		ledger:          ledger.New(func() time.Time { return now().UTC() }),
		logg:            opts.Logger,
		stats:           opts.Metrics,
		statusCache:     opts.StatusCache,
		replay:          opts.ReplayGuard,
		now:             func() time.Time { return now().UTC() },
		defaultStoreID:  opts.DefaultStoreID,
		checksumKey:     opts.ChecksumKey,
		qrTTL:           opts.QRTTL,
		statusTTL:       opts.StatusTTL,
		replayTTL:       opts.ReplayTTL,
		vndPerPoint:     opts.VNDPerPoint,
		minRedeemPoints: opts.MinRedeemPoints,
		deferCash:       opts.DeferCashConfirmation,
	}
}

// StockSnapshot reports on-hand and available quantity for one product.
func (s *Service) StockSnapshot(ctx context.Context, storeID string, productID string) (domain.StockSnapshot, error) {
	storeID = defaultString(storeID, s.defaultStoreID)
	if err := ValidateStoreID(storeID); err != nil {
		return domain.StockSnapshot{}, err
	}

	var snapshot domain.StockSnapshot
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		snapshot, err = s.ledger.Snapshot(ctx, tx, storeID, productID)
		return err
	})
	return snapshot, err
}

func (s *Service) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, strings.TrimSpace(entityID), limit)
}

// audit writes inside the caller's atomic scope so the entry commits or
// rolls back together with the change it describes.
func (s *Service) audit(ctx context.Context, tx store.Tx, storeID string, action string, entityType string, entityID string, detail string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := tx.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       defaultString(storeID, s.defaultStoreID),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		return fmt.Errorf("write audit log %s: %w", action, err)
	}
	return nil
}

func (s *Service) warn(ctx context.Context, msg string, err error) {
	ctx = s.logg.WithField(ctx, "error", err.Error())
	s.logg.Warn(ctx, msg)
}

func ValidateStoreID(storeID string) error {
	if strings.TrimSpace(storeID) == "" {
		return store.Invalid("store_id", "store id is required")
	}
	return nil
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
