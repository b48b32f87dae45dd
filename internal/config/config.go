// Package config loads the process-wide configuration once at startup.
//
// Values come from a YAML file, then environment overrides for secrets, then
// command-line flags applied by the caller. The resulting Config is passed
// into every component constructor; nothing reads it from package state.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvSigningKey = "CLINAUTH_SIGNING_KEY"
	EnvMFAKey     = "CLINAUTH_MFA_KEY"
	EnvDSN        = "CLINAUTH_DATABASE_DSN"
)

const minSigningKeyLen = 32

// Secret is a string that never renders its value when formatted.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string { return s.String() }

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Lockout  LockoutConfig  `yaml:"lockout"`
	Session  SessionConfig  `yaml:"session"`
	Invite   InviteConfig   `yaml:"invitations"`
	MFA      MFAConfig      `yaml:"mfa"`
	Audit    AuditConfig    `yaml:"audit"`
	Notify   NotifyConfig   `yaml:"notify"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	TLSCert     string `yaml:"tls_cert"`
	TLSKey      string `yaml:"tls_key"`
	Dev         bool   `yaml:"dev"`
}

// DatabaseConfig selects the credential store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	DSN    Secret `yaml:"dsn"`
}

// TokenConfig configures the token codec.
type TokenConfig struct {
	SigningKey Secret        `yaml:"signing_key"`
	Issuer     string        `yaml:"issuer"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// LockoutConfig is the failed-attempt policy.
type LockoutConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Duration    time.Duration `yaml:"duration"`
}

// SessionConfig bounds session inactivity.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// PruneInterval is how often expired revocations and challenges are removed.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// InviteConfig bounds registration invitations.
type InviteConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// MFAConfig configures the second-factor subsystem.
type MFAConfig struct {
	Issuer          string        `yaml:"issuer"`
	EncryptionKey   Secret        `yaml:"encryption_key"` // base64, 32 bytes decoded
	SMSCodeTTL      time.Duration `yaml:"sms_code_ttl"`
	TOTPSkew        uint          `yaml:"totp_skew"`
	BackupCodeCount int           `yaml:"backup_code_count"`
}

// AuditConfig sizes the non-blocking audit buffer.
type AuditConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// NotifyConfig selects how SMS codes and invitation emails leave the process.
type NotifyConfig struct {
	// Driver is "log" (dev: bodies are dropped) or "webhook".
	Driver     string        `yaml:"driver"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ThrottleConfig is the per-address login throttle in front of the core.
type ThrottleConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// LoggingConfig selects the zap preset.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8443", MetricsAddr: ":9090", TLSCert: "cert.pem", TLSKey: "key.pem"},
		Database: DatabaseConfig{Driver: "postgres"},
		Tokens: TokenConfig{
			Issuer:     "clinauth",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Lockout: LockoutConfig{MaxFailures: 5, Duration: 30 * time.Minute},
		Session: SessionConfig{IdleTimeout: 30 * time.Minute, PruneInterval: 10 * time.Minute},
		Invite:  InviteConfig{TTL: 72 * time.Hour},
		MFA: MFAConfig{
			Issuer:          "clinauth",
			SMSCodeTTL:      5 * time.Minute,
			TOTPSkew:        2,
			BackupCodeCount: 10,
		},
		Audit:    AuditConfig{BufferSize: 1024},
		Notify:   NotifyConfig{Driver: "log", Timeout: 10 * time.Second},
		Throttle: ThrottleConfig{RPS: 5, Burst: 10},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvSigningKey)); v != "" {
		c.Tokens.SigningKey = Secret(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvMFAKey)); v != "" {
		c.MFA.EncryptionKey = Secret(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDSN)); v != "" {
		c.Database.DSN = Secret(v)
	}
}

// MFAKey decodes the MFA encryption key.
func (c *Config) MFAKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(string(c.MFA.EncryptionKey))
	if err != nil {
		return nil, errors.New("mfa encryption key is not valid base64")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("mfa encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate checks the configuration is usable. Messages never include secret values.
func (c *Config) Validate() error {
	var problems []string
	if len(c.Tokens.SigningKey) < minSigningKeyLen {
		problems = append(problems, fmt.Sprintf("tokens.signing_key must be at least %d bytes", minSigningKeyLen))
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		problems = append(problems, "token TTLs must be positive")
	} else if c.Tokens.AccessTTL >= c.Tokens.RefreshTTL {
		problems = append(problems, "tokens.access_ttl must be shorter than tokens.refresh_ttl")
	}
	if _, err := c.MFAKey(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Lockout.MaxFailures <= 0 || c.Lockout.Duration <= 0 {
		problems = append(problems, "lockout policy must be positive")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.PruneInterval <= 0 {
		problems = append(problems, "session.idle_timeout and session.prune_interval must be positive")
	}
	if c.Invite.TTL <= 0 {
		problems = append(problems, "invitations.ttl must be positive")
	}
	if c.MFA.SMSCodeTTL <= 0 || c.MFA.BackupCodeCount <= 0 {
		problems = append(problems, "mfa sms_code_ttl and backup_code_count must be positive")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			problems = append(problems, "database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		problems = append(problems, "database.driver must be postgres or memory")
	}
	switch c.Notify.Driver {
	case "log":
	case "webhook":
		if c.Notify.WebhookURL == "" || c.Notify.Timeout <= 0 {
			problems = append(problems, "notify.webhook_url and a positive notify.timeout are required for the webhook driver")
		}
	default:
		problems = append(problems, "notify.driver must be log or webhook")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}
