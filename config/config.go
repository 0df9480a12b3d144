// Package config loads server settings from the environment and an
// optional .env file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/VanDung-dev/MutexLedger-Engine/security"
)

// Session cipher names.
const (
	CipherXOR      = "xor"
	CipherChaCha20 = "chacha20"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every server setting.
type Config struct {
	// Listener and pool
	Addr            string
	Workers         int
	IOTimeout       time.Duration
	ShutdownTimeout time.Duration

	// Ledger
	Accounts    int
	SeedBalance int64

	// Outputs; empty disables the component
	AuditLog     string
	AuditPubAddr string
	MetricsAddr  string
	HealthAddr   string
	ReportArrow  string

	// Ciphers
	LoginKey      string
	LoginIV       string
	SessionCipher string
	SessionKey    string // hex
	SessionNonce  string // hex

	// Logging
	LogLevel string
	LogDev   bool
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:            ":8888",
		Workers:         10,
		IOTimeout:       3 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Accounts:        100,
		SeedBalance:     1000,
		AuditLog:        "transaction.log",
		LoginKey:        security.DefaultLoginKey,
		LoginIV:         security.DefaultLoginIV,
		SessionCipher:   CipherXOR,
		LogLevel:        "info",
	}
}

// Load reads the given .env files (or ./.env when none are named and it
// exists), then overlays LEDGER_* environment variables on Default().
func Load(files ...string) (Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("failed to load env files: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	c := Default()
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.Addr = getEnv("LEDGER_ADDR", c.Addr)
	c.Workers = getEnvInt("LEDGER_WORKERS", c.Workers, collect)
	c.IOTimeout = getEnvDuration("LEDGER_IO_TIMEOUT", c.IOTimeout, collect)
	c.ShutdownTimeout = getEnvDuration("LEDGER_SHUTDOWN_TIMEOUT", c.ShutdownTimeout, collect)
	c.Accounts = getEnvInt("LEDGER_ACCOUNTS", c.Accounts, collect)
	c.SeedBalance = getEnvInt64("LEDGER_SEED_BALANCE", c.SeedBalance, collect)
	c.AuditLog = getEnv("LEDGER_AUDIT_LOG", c.AuditLog)
	c.AuditPubAddr = getEnv("LEDGER_AUDIT_PUB_ADDR", c.AuditPubAddr)
	c.MetricsAddr = getEnv("LEDGER_METRICS_ADDR", c.MetricsAddr)
	c.HealthAddr = getEnv("LEDGER_HEALTH_ADDR", c.HealthAddr)
	c.ReportArrow = getEnv("LEDGER_REPORT_ARROW", c.ReportArrow)
	c.LoginKey = getEnv("LEDGER_LOGIN_KEY", c.LoginKey)
	c.LoginIV = getEnv("LEDGER_LOGIN_IV", c.LoginIV)
	c.SessionCipher = strings.ToLower(getEnv("LEDGER_SESSION_CIPHER", c.SessionCipher))
	c.SessionKey = getEnv("LEDGER_SESSION_KEY", c.SessionKey)
	c.SessionNonce = getEnv("LEDGER_SESSION_NONCE", c.SessionNonce)
	c.LogLevel = getEnv("LEDGER_LOG_LEVEL", c.LogLevel)
	c.LogDev = getEnvBool("LEDGER_LOG_DEV", c.LogDev, collect)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return c, c.Validate()
}

// Validate checks ranges and cipher material.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	case c.Accounts <= 0:
		return fmt.Errorf("%w: accounts must be positive, got %d", ErrInvalidConfig, c.Accounts)
	case c.SeedBalance < 0:
		return fmt.Errorf("%w: seed balance must not be negative, got %d", ErrInvalidConfig, c.SeedBalance)
	case c.IOTimeout <= 0:
		return fmt.Errorf("%w: io timeout must be positive, got %v", ErrInvalidConfig, c.IOTimeout)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown timeout must be positive, got %v", ErrInvalidConfig, c.ShutdownTimeout)
	}
	if _, err := c.LoginCipher(); err != nil {
		return fmt.Errorf("%w: login cipher: %w", ErrInvalidConfig, err)
	}
	if _, err := c.Keystream(); err != nil {
		return fmt.Errorf("%w: session cipher: %w", ErrInvalidConfig, err)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %w", ErrInvalidConfig, err)
	}
	return nil
}

// LoginCipher builds the credential block cipher.
func (c Config) LoginCipher() (security.BlockCipher, error) {
	return security.NewAESCBC([]byte(c.LoginKey), []byte(c.LoginIV))
}

// Keystream builds the in-session cipher.
func (c Config) Keystream() (security.Keystream, error) {
	switch c.SessionCipher {
	case CipherXOR, "":
		return security.XORMask(security.DefaultXORMask), nil
	case CipherChaCha20:
		key, err := hex.DecodeString(c.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("session key is not hex: %w", err)
		}
		nonce, err := hex.DecodeString(c.SessionNonce)
		if err != nil {
			return nil, fmt.Errorf("session nonce is not hex: %w", err)
		}
		return security.NewChaCha20Stream(key, nonce)
	default:
		return nil, fmt.Errorf("unknown session cipher %q", c.SessionCipher)
	}
}

// NewLogger builds the process logger: JSON production output, or the
// console development encoder when LogDev is set.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.LogDev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int, collect func(error)) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		collect(fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64, collect func(error)) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		collect(fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration, collect func(error)) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		collect(fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool, collect func(error)) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		collect(fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}
