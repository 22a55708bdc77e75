package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.Auth.Secret)
	}
	if cfg.Auth.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.Auth.ManagerPIN)
	}
	if cfg.Payment.ChecksumKey != "" {
		t.Fatalf("expected no default checksum key, got %q", cfg.Payment.ChecksumKey)
	}
}

func TestLoadReadsPaymentSettings(t *testing.T) {
	t.Setenv("PAYMENT_QR_TTL", "90s")
	t.Setenv("PAYMENT_EXPIRED_GRACE", "15m")
	t.Setenv("LOYALTY_VND_PER_POINT", "500")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Payment.QRTTL != 90*time.Second {
		t.Fatalf("expected 90s qr ttl, got %s", cfg.Payment.QRTTL)
	}
	if cfg.Payment.ExpiredGrace != 15*time.Minute {
		t.Fatalf("expected 15m grace, got %s", cfg.Payment.ExpiredGrace)
	}
	if cfg.Loyalty.VNDPerPoint != 500 {
		t.Fatalf("expected 500 vnd per point, got %d", cfg.Loyalty.VNDPerPoint)
	}
	if cfg.Address() != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("PAYMENT_QR_TTL", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed duration to fail")
	}
}
