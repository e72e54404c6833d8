package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadFallsBackOnBadNumbers(t *testing.T) {
	t.Setenv("PRODUCT_CACHE_TTL_SECONDS", "not-a-number")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")

	cfg := Load()
	if cfg.ProductCacheTTLSecs != 60 {
		t.Fatalf("expected cache ttl fallback 60, got %d", cfg.ProductCacheTTLSecs)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected token ttl fallback 480, got %d", cfg.AccessTokenTTLMinutes)
	}
}
