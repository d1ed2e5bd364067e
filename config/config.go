// Package config loads server settings. Values are layered: built-in
// defaults, then an optional TOML file, then GUARD_* environment variables
// (optionally seeded from .env files). Command-line flags are applied last
// by the cmd package.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/silversage/guard/internal/util"
	"github.com/silversage/guard/ratelimit"
)

const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
)

type Config struct {
	Server     ServerConfig                     `toml:"server"`
	Storage    StorageConfig                    `toml:"storage"`
	Session    SessionConfig                    `toml:"session"`
	Lockout    LockoutConfig                    `toml:"lockout"`
	TwoFactor  TwoFactorConfig                  `toml:"two_factor"`
	KDF        util.KDFParams                   `toml:"kdf"`
	Notify     NotifyConfig                     `toml:"notify"`
	Audit      AuditConfig                      `toml:"audit"`
	Log        LogConfig                        `toml:"log"`
	RateLimits map[ratelimit.Operation]RateRule `toml:"rate_limits"`
}

type ServerConfig struct {
	Addr    string `toml:"addr"`
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`
	// AdminToken guards the admin endpoints. Empty disables them.
	AdminToken string `toml:"admin_token"`
	// TrustedProxies lists CIDRs whose forwarding headers name the client.
	TrustedProxies []string `toml:"trusted_proxies"`
}

type StorageConfig struct {
	Backend string `toml:"backend"`
	DataDir string `toml:"data_dir"`
	DSN     string `toml:"dsn"`
	// SealKey is a hex-encoded 32-byte key. When set, records are sealed
	// with AES-256-GCM.
	SealKey string `toml:"seal_key"`
	// PersistPending keeps pending second-factor logins in the store
	// instead of process memory.
	PersistPending bool `toml:"persist_pending"`
}

type SessionConfig struct {
	TTL time.Duration `toml:"ttl"`
	// SigningKey is hex-encoded. Empty means a key is generated once and
	// kept in the store.
	SigningKey string `toml:"signing_key"`
}

type LockoutConfig struct {
	Threshold uint          `toml:"threshold"`
	Duration  time.Duration `toml:"duration"`
}

type TwoFactorConfig struct {
	CodeTTL time.Duration `toml:"code_ttl"`
	Issuer  string        `toml:"issuer"`
}

type NotifyConfig struct {
	WebhookURL    string  `toml:"webhook_url"`
	AuthHeader    string  `toml:"auth_header"`
	RatePerSecond float64 `toml:"rate_per_second"`
}

type AuditConfig struct {
	Store             bool    `toml:"store"`
	WebhookURL        string  `toml:"webhook_url"`
	WebhookAuthHeader string  `toml:"webhook_auth_header"`
	WebhookRate       float64 `toml:"webhook_rate"`
	SentryDSN         string  `toml:"sentry_dsn"`
	Environment       string  `toml:"environment"`
	Alerts            bool    `toml:"alerts"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// RateRule overrides one rate-limit preset.
type RateRule struct {
	Limit  int           `toml:"limit"`
	Window time.Duration `toml:"window"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8443"},
		Storage: StorageConfig{
			Backend: BackendBolt,
			DataDir: "./data",
		},
		Session:   SessionConfig{TTL: 60 * time.Minute},
		Lockout:   LockoutConfig{Threshold: 5, Duration: 30 * time.Minute},
		TwoFactor: TwoFactorConfig{CodeTTL: 10 * time.Minute, Issuer: "Guard"},
		KDF:       util.DefaultKDFParams(),
		Notify:    NotifyConfig{RatePerSecond: 5},
		Audit:     AuditConfig{Store: true, WebhookRate: 10, Alerts: true, Environment: "production"},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// empty) and the process environment. Unknown TOML keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv reads .env style files into the process environment. Variables
// that are already set win. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{BackendMemory, BackendBolt, BackendPostgres}, c.Storage.Backend) {
		errs = append(errs, fmt.Errorf("storage.backend must be %s, %s or %s", BackendMemory, BackendBolt, BackendPostgres))
	}
	if c.Storage.Backend == BackendPostgres && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required for the postgres backend"))
	}
	if _, err := c.SealKey(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SigningKey(); err != nil {
		errs = append(errs, err)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.Lockout.Threshold == 0 {
		errs = append(errs, errors.New("lockout.threshold must be positive"))
	}
	if c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("lockout.duration must be positive"))
	}
	if c.TwoFactor.CodeTTL <= 0 {
		errs = append(errs, errors.New("two_factor.code_ttl must be positive"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if err := c.KDF.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kdf: %w", err))
	}
	for op, r := range c.RateLimits {
		if r.Limit <= 0 || r.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s: limit and window must be positive", op))
		}
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SealKey decodes Storage.SealKey. It returns nil when sealing is off.
func (c *Config) SealKey() ([]byte, error) {
	if c.Storage.SealKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Storage.SealKey)
	if err != nil || len(key) != util.AESKeySize {
		return nil, fmt.Errorf("storage.seal_key must be %d hex-encoded bytes", util.AESKeySize)
	}
	return key, nil
}

// SigningKey decodes Session.SigningKey. It returns nil when unset.
func (c *Config) SigningKey() ([]byte, error) {
	if c.Session.SigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Session.SigningKey)
	if err != nil || len(key) < 32 {
		return nil, errors.New("session.signing_key must be at least 32 hex-encoded bytes")
	}
	return key, nil
}

// BoltPath is the database file used by the bbolt backend.
func (c *Config) BoltPath() string {
	return filepath.Join(c.Storage.DataDir, "guard.db")
}

// RateRules converts the overrides for ratelimit.New.
func (c *Config) RateRules() map[ratelimit.Operation]ratelimit.Rule {
	rules := make(map[ratelimit.Operation]ratelimit.Rule, len(c.RateLimits))
	for op, r := range c.RateLimits {
		rules[op] = ratelimit.Rule{Limit: r.Limit, Window: r.Window}
	}
	return rules
}

func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger described by Log.
func (c *Config) NewLogger() *slog.Logger {
	lvl, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
