package amagent

import (
	"testing"
	"time"
)

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("AM_SERVER_URL", "https://am.example.com/openam/")
	t.Setenv("AM_AGENT_USERNAME", "agent")
	t.Setenv("AM_AGENT_PASSWORD", "secret")
	t.Setenv("AGENT_APP_URL", "https://app.example.com")
	t.Setenv("AGENT_NOTIFICATIONS_ENABLED", "true")
	t.Setenv("AM_TIMEOUT", "3s")
	t.Setenv("AGENT_CACHE_TTL", "90s")

	cfg, err := NewConfigFromEnv()
	if err != nil {
		t.Fatalf("NewConfigFromEnv: %v", err)
	}

	if cfg.ServerURL != "https://am.example.com/openam/" {
		t.Fatalf("ServerURL = %q", cfg.ServerURL)
	}
	if !cfg.NotificationsEnabled {
		t.Fatal("NotificationsEnabled = false")
	}
	if cfg.Timeout != 3*time.Second {
		t.Fatalf("Timeout = %v", cfg.Timeout)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Fatalf("CacheTTL = %v", cfg.CacheTTL)
	}
	if cfg.Realm != "/" {
		t.Fatalf("Realm = %q", cfg.Realm)
	}
	if cfg.NotificationPath != DefaultNotificationPath {
		t.Fatalf("NotificationPath = %q", cfg.NotificationPath)
	}
}

func TestConfigNormalizeTrimsTrailingSlashes(t *testing.T) {
	cfg := Config{
		ServerURL: "https://am.example.com/openam/",
		AppURL:    "https://app.example.com/",
	}
	cfg.normalize()

	if cfg.ServerURL != "https://am.example.com/openam" {
		t.Fatalf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.AppURL != "https://app.example.com" {
		t.Fatalf("AppURL = %q", cfg.AppURL)
	}
	if cfg.CDSSOPath != DefaultCDSSOPath {
		t.Fatalf("CDSSOPath = %q", cfg.CDSSOPath)
	}
}
