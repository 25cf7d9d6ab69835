package config

import (
	"testing"
	"time"
)

func TestLoad_RequiredVarSet_ReturnsConfig(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://localhost:8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, "http://localhost:8080")
	}
}

func TestLoad_MissingRequiredVar_ReturnsError(t *testing.T) {
	t.Setenv("API_BASE_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing API_BASE_URL")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://localhost:8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.PageLimit != 50 {
		t.Errorf("PageLimit = %d, want 50", cfg.PageLimit)
	}
	if cfg.PrefetchThreshold != 3 {
		t.Errorf("PrefetchThreshold = %d, want 3", cfg.PrefetchThreshold)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.ReconnectMaxBackoff != 5*time.Minute {
		t.Errorf("ReconnectMaxBackoff = %v, want 5m", cfg.ReconnectMaxBackoff)
	}
}

func TestLoad_DerivesRealtimeURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{"http", "http://localhost:8080", "ws://localhost:8080/api/realtime"},
		{"https", "https://feeds.example.com", "wss://feeds.example.com/api/realtime"},
		{"trailing slash", "http://localhost:8080/", "ws://localhost:8080/api/realtime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("API_BASE_URL", tt.base)
			t.Setenv("REALTIME_URL", "")

			cfg, err := Load()
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if cfg.RealtimeURL != tt.want {
				t.Errorf("RealtimeURL = %q, want %q", cfg.RealtimeURL, tt.want)
			}
		})
	}
}

func TestLoad_ExplicitRealtimeURLWins(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://localhost:8080")
	t.Setenv("REALTIME_URL", "wss://push.example.com/stream")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.RealtimeURL != "wss://push.example.com/stream" {
		t.Errorf("RealtimeURL = %q, want explicit value", cfg.RealtimeURL)
	}
}

func TestLoad_InvalidNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://localhost:8080")
	t.Setenv("PAGE_LIMIT", "not-a-number")
	t.Setenv("REQUEST_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.PageLimit != 50 {
		t.Errorf("PageLimit = %d, want default 50", cfg.PageLimit)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want default 10s", cfg.RequestTimeout)
	}
}

func TestLoadServer_NoRequiredVars(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")

	cfg := LoadServer()

	if cfg.ServerPort != "9090" {
		t.Errorf("ServerPort = %q, want 9090", cfg.ServerPort)
	}
	if cfg.PageLimit != 50 {
		t.Errorf("PageLimit = %d, want 50", cfg.PageLimit)
	}
}
