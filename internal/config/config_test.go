package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
server:
  port: 8080
broker:
  demo_base_url: https://demo.example.com/v1
  timeout: 10s
engine:
  worker_pool_size: 4
logging:
  level: info
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Engine.WorkerPoolSize != 4 {
		t.Errorf("WorkerPoolSize = %d, want 4", cfg.Engine.WorkerPoolSize)
	}
	if cfg.Engine.DedupWindow != 60*time.Second {
		t.Errorf("DedupWindow = %v, want 60s", cfg.Engine.DedupWindow)
	}
	if cfg.Engine.TokenRefreshSkew != 120*time.Second {
		t.Errorf("TokenRefreshSkew = %v, want 120s", cfg.Engine.TokenRefreshSkew)
	}
	if cfg.Engine.DrawdownTick != time.Second {
		t.Errorf("DrawdownTick = %v, want 1s", cfg.Engine.DrawdownTick)
	}
	if cfg.Broker.Timeout != 10*time.Second {
		t.Errorf("Broker.Timeout = %v, want 10s", cfg.Broker.Timeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("DRAWDOWN_TICK_MS", "250")
	t.Setenv("DEDUP_WINDOW_SECONDS", "30")
	t.Setenv("DEFAULT_BROKER_TIMEOUT_MS", "5000")
	t.Setenv("OAUTH_REDIRECT_URI", "https://app.example.com/oauth/callback")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.WorkerPoolSize != 8 {
		t.Errorf("WorkerPoolSize = %d, want 8", cfg.Engine.WorkerPoolSize)
	}
	if cfg.Engine.DrawdownTick != 250*time.Millisecond {
		t.Errorf("DrawdownTick = %v, want 250ms", cfg.Engine.DrawdownTick)
	}
	if cfg.Engine.DedupWindow != 30*time.Second {
		t.Errorf("DedupWindow = %v, want 30s", cfg.Engine.DedupWindow)
	}
	if cfg.Broker.Timeout != 5*time.Second {
		t.Errorf("Broker.Timeout = %v, want 5s", cfg.Broker.Timeout)
	}
	if cfg.Broker.OAuthRedirectURI != "https://app.example.com/oauth/callback" {
		t.Errorf("OAuthRedirectURI = %q", cfg.Broker.OAuthRedirectURI)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	bad := *cfg
	bad.Engine.WorkerPoolSize = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero worker pool")
	}

	bad = *cfg
	bad.Broker.OAuthRedirectURI = "http://insecure.example.com/cb"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for non-https redirect URI")
	}

	bad = *cfg
	bad.Broker.LiveBaseURL = ""
	bad.Broker.DemoBaseURL = ""
	if err := bad.Validate(); err == nil {
		t.Error("expected error for missing broker URLs")
	}
}
