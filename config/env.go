package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GUARD_"

type envSetter func(c *Config, v string) error

func str(field func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func duration(field func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func boolean(field func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func unsigned(field func(*Config) *uint) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		*field(c) = uint(n)
		return nil
	}
}

func list(field func(*Config) *[]string) envSetter {
	return func(c *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*field(c) = out
		return nil
	}
}

var envOverrides = map[string]envSetter{
	"ADDR":               str(func(c *Config) *string { return &c.Server.Addr }),
	"TLS_CERT":           str(func(c *Config) *string { return &c.Server.TLSCert }),
	"TLS_KEY":            str(func(c *Config) *string { return &c.Server.TLSKey }),
	"ADMIN_TOKEN":        str(func(c *Config) *string { return &c.Server.AdminToken }),
	"STORAGE_BACKEND":    str(func(c *Config) *string { return &c.Storage.Backend }),
	"DATA_DIR":           str(func(c *Config) *string { return &c.Storage.DataDir }),
	"POSTGRES_DSN":       str(func(c *Config) *string { return &c.Storage.DSN }),
	"SEAL_KEY":           str(func(c *Config) *string { return &c.Storage.SealKey }),
	"PERSIST_PENDING":    boolean(func(c *Config) *bool { return &c.Storage.PersistPending }),
	"SESSION_TTL":        duration(func(c *Config) *time.Duration { return &c.Session.TTL }),
	"SESSION_KEY":        str(func(c *Config) *string { return &c.Session.SigningKey }),
	"LOCKOUT_DURATION":   duration(func(c *Config) *time.Duration { return &c.Lockout.Duration }),
	"CODE_TTL":           duration(func(c *Config) *time.Duration { return &c.TwoFactor.CodeTTL }),
	"TOTP_ISSUER":        str(func(c *Config) *string { return &c.TwoFactor.Issuer }),
	"NOTIFY_WEBHOOK":     str(func(c *Config) *string { return &c.Notify.WebhookURL }),
	"NOTIFY_AUTH":        str(func(c *Config) *string { return &c.Notify.AuthHeader }),
	"AUDIT_STORE":        boolean(func(c *Config) *bool { return &c.Audit.Store }),
	"AUDIT_WEBHOOK":      str(func(c *Config) *string { return &c.Audit.WebhookURL }),
	"AUDIT_WEBHOOK_AUTH": str(func(c *Config) *string { return &c.Audit.WebhookAuthHeader }),
	"SENTRY_DSN":         str(func(c *Config) *string { return &c.Audit.SentryDSN }),
	"ENVIRONMENT":        str(func(c *Config) *string { return &c.Audit.Environment }),
	"LOG_LEVEL":          str(func(c *Config) *string { return &c.Log.Level }),
	"LOG_FORMAT":         str(func(c *Config) *string { return &c.Log.Format }),
	"LOCKOUT_THRESHOLD":  unsigned(func(c *Config) *uint { return &c.Lockout.Threshold }),
	"TRUSTED_PROXIES":    list(func(c *Config) *[]string { return &c.Server.TrustedProxies }),
}

// ApplyEnv overrides fields from GUARD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for name, set := range envOverrides {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}
