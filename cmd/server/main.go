package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"banhang/backend/internal/cache"
	"banhang/backend/internal/config"
	"banhang/backend/internal/cron"
	"banhang/backend/internal/httpapi"
	"banhang/backend/internal/logger"
	"banhang/backend/internal/metrics"
	"banhang/backend/internal/service"
	"banhang/backend/internal/store"
	"banhang/backend/internal/store/memory"
	pgstore "banhang/backend/internal/store/postgres"
)

const sweeperLockKey = "banhang:cron:expired-payment-sweeper"

func main() {
	logg := logger.New(logger.Options{ServiceName: "banhang-api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		logg.Error(context.Background(), "invalid security configuration", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "banhang-api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "store_id", cfg.App.StoreID)

	var closers []func() error
	closeAll := func() {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, closers[i]())
		}
		if errs != nil {
			logg.Error(context.Background(), "close error", errs)
		}
	}
	defer closeAll()

	repo, err := openRepository(ctx, cfg, logg, &closers)
	if err != nil {
		logg.Error(ctx, "resource not working: database", err)
		closeAll()
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engine := metrics.New(registry)

	var (
		statusCache cache.PaymentStatusCache = cache.NoopPaymentStatusCache{}
		replayGuard cache.ReplayGuard        = cache.NoopReplayGuard{}
		lock        cron.Lock                = cron.LocalLock{}
	)
	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisCache.Ping(pingCtx)
		cancel()
		if err != nil {
			logg.Error(ctx, "redis unavailable, payment status cache disabled", err)
			_ = redisCache.Close()
		} else {
			statusCache = redisCache
			replayGuard = redisCache
			closers = append(closers, redisCache.Close)
			if redisLock, err := cron.NewRedisLock(redisCache.Client(), sweeperLockKey, 0); err == nil {
				lock = redisLock
			}
			logg.Info(ctx, "cache: redis")
		}
	} else {
		logg.Info(ctx, "cache: noop")
	}

	svc := service.New(repo, service.Options{
		DefaultStoreID:        cfg.App.StoreID,
		ChecksumKey:           cfg.Payment.ChecksumKey,
		QRTTL:                 cfg.Payment.QRTTL,
		StatusTTL:             cfg.Payment.StatusTTL,
		VNDPerPoint:           cfg.Loyalty.VNDPerPoint,
		MinRedeemPoints:       cfg.Loyalty.MinRedeemPoints,
		DeferCashConfirmation: cfg.Checkout.DeferCashConfirmation,
		Logger:                logg,
		Metrics:               engine,
		StatusCache:           statusCache,
		ReplayGuard:           replayGuard,
	})
	if cfg.Payment.ChecksumKey == "" {
		logg.Warn(ctx, "PAYMENT_CHECKSUM_KEY is empty; payment webhooks will be rejected")
	}

	if cfg.Payment.ExpiredGrace > 0 {
		sweeper, err := svc.NewExpiredPaymentSweeper(cfg.Payment.ExpiredGrace)
		if err != nil {
			logg.Error(ctx, "failed to create expired payment sweeper", err)
			os.Exit(1)
		}
		jobs, err := cron.NewService(cron.ServiceParams{
			Logger:   logg,
			Registry: cron.NewRegistry(sweeper),
			Lock:     lock,
			Metrics:  engine,
			Interval: cfg.Payment.SweepInterval,
		})
		if err != nil {
			logg.Error(ctx, "failed to create cron service", err)
			os.Exit(1)
		}
		go func() {
			if err := jobs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error(ctx, "cron service stopped unexpectedly", err)
			}
		}()
	}

	auth := httpapi.NewAuthManager(cfg.Auth.Secret, time.Duration(cfg.Auth.AccessTokenTTLMinutes)*time.Minute, cfg.Auth.ManagerPIN, repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.App.AllowedOrigin,
		Logger:        logg,
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "addr", cfg.Address()), "POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logg.Error(ctx, "server error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "shutdown error", err)
	}
	logg.Info(context.Background(), "server stopped")
}

// openRepository picks postgres when DATABASE_URL is set and refuses to fall
// back to memory if it cannot connect.
func openRepository(ctx context.Context, cfg config.Config, logg *logger.Logger, closers *[]func() error) (store.Repository, error) {
	if cfg.DB.URL == "" {
		logg.Info(ctx, "repository: in-memory")
		if memory.DefaultSeedCredentials() {
			logg.Warn(ctx, "using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
		}
		return memory.NewSeeded(cfg.App.StoreID)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := pgstore.New(connectCtx, cfg.DB.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	*closers = append(*closers, pg.Close)

	if cfg.DB.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		logg.Info(ctx, "migrations applied")
	}
	logg.Info(ctx, "repository: postgres")
	return pg, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.Auth.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.Auth.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "686868": true,
		"888888": true, "999999": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
