package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/VanDung-dev/MutexLedger-Engine/security"
)

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if c.Addr != ":8888" || c.Workers != 10 || c.Accounts != 100 || c.SeedBalance != 1000 {
		t.Errorf("Unexpected defaults: %+v", c)
	}
	if c.IOTimeout != 3*time.Second {
		t.Errorf("Expected 3s io timeout, got %v", c.IOTimeout)
	}
	if c.AuditLog != "transaction.log" {
		t.Errorf("Expected transaction.log, got %s", c.AuditLog)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEDGER_ADDR", "127.0.0.1:9999")
	t.Setenv("LEDGER_WORKERS", "4")
	t.Setenv("LEDGER_IO_TIMEOUT", "500ms")
	t.Setenv("LEDGER_ACCOUNTS", "16")
	t.Setenv("LEDGER_SEED_BALANCE", "50")
	t.Setenv("LEDGER_LOG_DEV", "true")
	t.Setenv("LEDGER_SESSION_CIPHER", "XOR")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Addr != "127.0.0.1:9999" || c.Workers != 4 || c.Accounts != 16 || c.SeedBalance != 50 {
		t.Errorf("Env not applied: %+v", c)
	}
	if c.IOTimeout != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", c.IOTimeout)
	}
	if !c.LogDev || c.SessionCipher != CipherXOR {
		t.Errorf("Unexpected logging/cipher settings: %+v", c)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.env")
	if err := os.WriteFile(path, []byte("LEDGER_WORKERS=3\nLEDGER_METRICS_ADDR=:9100\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	// godotenv never overrides variables that are already set
	t.Setenv("LEDGER_WORKERS", "")
	os.Unsetenv("LEDGER_WORKERS")
	t.Setenv("LEDGER_METRICS_ADDR", "")
	os.Unsetenv("LEDGER_METRICS_ADDR")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Workers != 3 || c.MetricsAddr != ":9100" {
		t.Errorf("Env file not applied: %+v", c)
	}

	if _, err := Load(filepath.Join(dir, "missing.env")); err == nil {
		t.Error("Expected error for a named env file that does not exist")
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEDGER_WORKERS", "many")
	t.Setenv("LEDGER_IO_TIMEOUT", "soon")

	_, err := Load()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no address", func(c *Config) { c.Addr = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"zero accounts", func(c *Config) { c.Accounts = 0 }},
		{"negative seed", func(c *Config) { c.SeedBalance = -1 }},
		{"zero timeout", func(c *Config) { c.IOTimeout = 0 }},
		{"short login key", func(c *Config) { c.LoginKey = "short" }},
		{"short login iv", func(c *Config) { c.LoginIV = "short" }},
		{"unknown cipher", func(c *Config) { c.SessionCipher = "rot13" }},
		{"chacha without key", func(c *Config) { c.SessionCipher = CipherChaCha20 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestKeystream_ChaCha20(t *testing.T) {
	c := Default()
	c.SessionCipher = CipherChaCha20
	c.SessionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	c.SessionNonce = "000000090000004a00000000"

	if err := c.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	ks, err := c.Keystream()
	if err != nil {
		t.Fatalf("Keystream failed: %v", err)
	}
	if _, ok := ks.(*security.ChaCha20Stream); !ok {
		t.Errorf("Expected ChaCha20Stream, got %T", ks)
	}

	c.SessionKey = "zz"
	if _, err := c.Keystream(); err == nil {
		t.Error("Expected error for non-hex key")
	}
}

func TestNewLogger(t *testing.T) {
	c := Default()
	c.LogLevel = "debug"
	logger, err := c.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Error("Expected debug level to be enabled")
	}

	c.LogDev = true
	c.LogLevel = "warn"
	logger, err = c.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if logger.Core().Enabled(0) {
		t.Error("Expected info level to be disabled at warn")
	}
}
