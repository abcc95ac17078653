package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != defaultAddr {
		t.Errorf("addr = %q, want %q", cfg.Addr, defaultAddr)
	}
	if cfg.Presence.TTL != 60*time.Second {
		t.Errorf("presence ttl = %v, want 60s", cfg.Presence.TTL)
	}
	if cfg.Calls.StateTTL != 300*time.Second {
		t.Errorf("call state ttl = %v, want 300s", cfg.Calls.StateTTL)
	}
	if cfg.Calls.InviteTTL != 60*time.Second {
		t.Errorf("invite ttl = %v, want 60s", cfg.Calls.InviteTTL)
	}
	if cfg.Workers.Count != defaultWorkerCount {
		t.Errorf("workers = %d, want %d", cfg.Workers.Count, defaultWorkerCount)
	}
	if cfg.PushEnabled() {
		t.Error("push should be disabled without VAPID keys")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
addr: ":9090"
db_dsn: "postgres://localhost/chat"
auth:
  jwt_secret: "from-file"
presence:
  ttl: "30s"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MESSENGER_AUTH_JWT_SECRET", "from-env")
	t.Setenv("MESSENGER_CALLS_STATE_TTL", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Addr)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt secret = %q, want from-env", cfg.Auth.JWTSecret)
	}
	if cfg.Presence.TTL != 30*time.Second {
		t.Errorf("presence ttl = %v, want 30s", cfg.Presence.TTL)
	}
	if cfg.Calls.StateTTL != 2*time.Minute {
		t.Errorf("call state ttl = %v, want 2m", cfg.Calls.StateTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("MESSENGER_PRESENCE_TTL", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error without db_dsn and jwt secret")
	}
}
