package config_test

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"QuantaLedger/internal/config"
	"QuantaLedger/internal/testutil"
)

func hexKey(seed byte) string {
	kp := testutil.NewKeypair(seed)
	return hex.EncodeToString(kp.Pub[:])
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func minimalYAML() string {
	return `
node:
  role: alpha
  key_file: /etc/quanta/node.key
constellation:
  alpha: ` + hexKey(1) + `
  auditors:
    - ` + hexKey(2) + `
    - ` + hexKey(3) + `
nats:
  url: nats://localhost:4222
postgres:
  dsn: postgres://quanta@localhost/quanta
`
}

// ============================================================================
// Test: loading and defaults
// ============================================================================

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML()))
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.IsAlpha() {
		t.Error("role alpha not recognized")
	}
	if cfg.Node.ListenAddr != ":7410" {
		t.Errorf("listen addr = %q, want default :7410", cfg.Node.ListenAddr)
	}
	if cfg.Persistence.BatchSize != 100 {
		t.Errorf("batch size = %d, want default 100", cfg.Persistence.BatchSize)
	}
	if cfg.Sync.ChaseEnterGap != 256 || cfg.Sync.ChaseExitGap != 16 {
		t.Errorf("chase gaps = %d/%d, want 256/16", cfg.Sync.ChaseEnterGap, cfg.Sync.ChaseExitGap)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Logging.Level)
	}
	if got := cfg.FlushTimeout().Milliseconds(); got != 200 {
		t.Errorf("flush timeout = %dms, want 200", got)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("QUANTA_POSTGRES_DSN", "postgres://override@db/quanta")
	t.Setenv("QUANTA_LOG_LEVEL", "debug")

	cfg, err := config.Load(writeConfig(t, minimalYAML()))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Postgres.DSN != "postgres://override@db/quanta" {
		t.Errorf("dsn = %q, env override lost", cfg.Postgres.DSN)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, env override lost", cfg.Logging.Level)
	}
}

func TestLoad_Settings(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML()))
	if err != nil {
		t.Fatal(err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if settings.Alpha != testutil.NewKeypair(1).Pub {
		t.Error("alpha key mangled")
	}
	if len(settings.Auditors) != 2 {
		t.Fatalf("auditors = %d, want 2", len(settings.Auditors))
	}
	if settings.Majority() != 2 {
		t.Errorf("majority = %d, want 2", settings.Majority())
	}
}

// ============================================================================
// Test: validation
// ============================================================================

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		mangle  func(string) string
		wantErr string
	}{
		{"bad role", func(s string) string {
			return strings.Replace(s, "role: alpha", "role: observer", 1)
		}, "role"},
		{"no auditors", func(s string) string {
			i := strings.Index(s, "  auditors:")
			j := strings.Index(s, "nats:")
			return s[:i] + s[j:]
		}, "auditor"},
		{"auditor without alpha url", func(s string) string {
			return strings.Replace(s, "role: alpha", "role: auditor", 1)
		}, "alpha peer URL"},
		{"missing dsn", func(s string) string {
			return strings.Replace(s, "  dsn: postgres://quanta@localhost/quanta", "  dsn: \"\"", 1)
		}, "dsn"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, c.mangle(minimalYAML())))
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, c.wantErr)
			}
		})
	}
}

func TestLoad_AuditorNeedsWebsocketURL(t *testing.T) {
	body := strings.Replace(minimalYAML(), "role: alpha", "role: auditor", 1)
	body = strings.Replace(body, "constellation:",
		"constellation:\n  alpha_url: http://alpha:7410", 1)
	if _, err := config.Load(writeConfig(t, body)); err == nil {
		t.Error("http alpha url should be rejected")
	}

	body = strings.Replace(body, "http://alpha:7410", "ws://alpha:7410/peer", 1)
	if _, err := config.Load(writeConfig(t, body)); err != nil {
		t.Errorf("ws alpha url rejected: %v", err)
	}
}

// ============================================================================
// Test: node keys
// ============================================================================

func TestLoadNodeKey(t *testing.T) {
	kp := testutil.NewKeypair(5)
	path := filepath.Join(t.TempDir(), "node.key")
	seed := kp.Priv.Seed()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	priv, pub, err := config.LoadNodeKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if pub != kp.Pub {
		t.Error("derived public key differs")
	}
	if !priv.Equal(kp.Priv) {
		t.Error("derived private key differs")
	}
}

func TestLoadNodeKey_RejectsBadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("deadbeef"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := config.LoadNodeKey(path); err == nil {
		t.Error("short seed should be rejected")
	}
}
