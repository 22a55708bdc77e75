package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Payment  PaymentConfig
	Loyalty  LoyaltyConfig
	Checkout CheckoutConfig
}

type AppConfig struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	StoreID       string `envconfig:"DEFAULT_STORE_ID" default:"main-store"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"json"`
	LogWarnStack  bool   `envconfig:"LOG_WARN_STACK" default:"false"`
}

type DBConfig struct {
	URL         string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

type AuthConfig struct {
	Secret                string `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"480"`
	ManagerPIN            string `envconfig:"MANAGER_PIN"`
}

type PaymentConfig struct {
	// ChecksumKey signs provider webhooks. Webhooks are rejected while empty.
	ChecksumKey string        `envconfig:"PAYMENT_CHECKSUM_KEY"`
	QRTTL       time.Duration `envconfig:"PAYMENT_QR_TTL" default:"5m"`
	StatusTTL   time.Duration `envconfig:"PAYMENT_STATUS_CACHE_TTL" default:"10m"`
	// ExpiredGrace > 0 enables the sweeper that cancels QR orders left
	// unpaid this long after their code expired.
	ExpiredGrace  time.Duration `envconfig:"PAYMENT_EXPIRED_GRACE" default:"0s"`
	SweepInterval time.Duration `envconfig:"PAYMENT_SWEEP_INTERVAL" default:"1m"`
}

type LoyaltyConfig struct {
	VNDPerPoint     int64 `envconfig:"LOYALTY_VND_PER_POINT" default:"1000"`
	MinRedeemPoints int64 `envconfig:"LOYALTY_MIN_REDEEM_POINTS" default:"10"`
}

type CheckoutConfig struct {
	// DeferCashConfirmation leaves cash orders Pending until a cashier
	// confirms the money through set-paid-cash.
	DeferCashConfirmation bool `envconfig:"DEFER_CASH_CONFIRMATION" default:"false"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Auth.Secret = strings.TrimSpace(cfg.Auth.Secret)
	cfg.Auth.ManagerPIN = strings.TrimSpace(cfg.Auth.ManagerPIN)
	if cfg.Auth.AccessTokenTTLMinutes < 1 {
		cfg.Auth.AccessTokenTTLMinutes = 480
	}
	if cfg.Payment.QRTTL <= 0 {
		cfg.Payment.QRTTL = 5 * time.Minute
	}
	if cfg.Loyalty.VNDPerPoint < 1 {
		cfg.Loyalty.VNDPerPoint = 1000
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.App.Port)
}
