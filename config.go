package keygate

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the engine configuration. Zero values are filled from
// DefaultConfig by the builder, so callers only set what they change.
type Config struct {
	Token       TokenConfig
	Password    PasswordConfig
	Session     SessionConfig
	Lockout     LockoutConfig
	TwoFactor   TwoFactorConfig
	Audit       AuditConfig
	Mail        MailConfig
	Metrics     MetricsConfig
	DefaultRole string `env:"KEYGATE_DEFAULT_ROLE"`
}

// TokenConfig configures signing for all three token kinds.
type TokenConfig struct {
	Issuer        string        `env:"KEYGATE_TOKEN_ISSUER"`
	Audience      string        `env:"KEYGATE_TOKEN_AUDIENCE"`
	AccessTTL     time.Duration `env:"KEYGATE_ACCESS_TTL"`
	RefreshTTL    time.Duration `env:"KEYGATE_REFRESH_TTL"`
	ActionTTL     time.Duration `env:"KEYGATE_ACTION_TTL"`
	SigningMethod string        `env:"KEYGATE_TOKEN_SIGNING_METHOD"` // "ed25519" (default) or "hs256"
	PrivateKey    []byte        `env:"KEYGATE_TOKEN_PRIVATE_KEY"`
	PublicKey     []byte        `env:"KEYGATE_TOKEN_PUBLIC_KEY"`
	Leeway        time.Duration `env:"KEYGATE_TOKEN_LEEWAY"`
}

// PasswordConfig configures argon2id hashing and the length policy.
type PasswordConfig struct {
	Memory              uint32 `env:"KEYGATE_PASSWORD_MEMORY_KB"` // in KB
	Time                uint32 `env:"KEYGATE_PASSWORD_TIME"`
	Parallelism         uint8  `env:"KEYGATE_PASSWORD_PARALLELISM"`
	SaltLength          uint32 `env:"KEYGATE_PASSWORD_SALT_LENGTH"`
	KeyLength           uint32 `env:"KEYGATE_PASSWORD_KEY_LENGTH"`
	MinLength           int    `env:"KEYGATE_PASSWORD_MIN_LENGTH"`
	MaxLength           int    `env:"KEYGATE_PASSWORD_MAX_LENGTH"`
	UpgradeOnLogin      bool   `env:"KEYGATE_PASSWORD_UPGRADE_ON_LOGIN"`
	MaxConcurrentHashes int    `env:"KEYGATE_PASSWORD_MAX_CONCURRENT"`
}

// SessionConfig configures session lifetime and the cache mirror.
type SessionConfig struct {
	Lifetime    time.Duration `env:"KEYGATE_SESSION_LIFETIME"`
	CachePrefix string        `env:"KEYGATE_SESSION_CACHE_PREFIX"`
}

// LockoutConfig configures the brute-force lockout policy.
type LockoutConfig struct {
	Threshold int `env:"KEYGATE_LOCKOUT_THRESHOLD"`
}

// TwoFactorConfig configures the three second-factor methods.
type TwoFactorConfig struct {
	TOTP        TOTPConfig
	EmailOTP    EmailOTPConfig
	BackupCodes BackupCodeConfig
}

// TOTPConfig configures authenticator-app codes.
type TOTPConfig struct {
	Issuer    string `env:"KEYGATE_TOTP_ISSUER"`
	Period    int    `env:"KEYGATE_TOTP_PERIOD"`
	Digits    int    `env:"KEYGATE_TOTP_DIGITS"`
	Skew      int    `env:"KEYGATE_TOTP_SKEW"`
	Algorithm string `env:"KEYGATE_TOTP_ALGORITHM"`
}

// EmailOTPConfig configures mailed one-time codes. Codes live in the
// cache under TTL and are consumed on first read.
type EmailOTPConfig struct {
	Digits int           `env:"KEYGATE_EMAIL_OTP_DIGITS"`
	TTL    time.Duration `env:"KEYGATE_EMAIL_OTP_TTL"`
}

// BackupCodeConfig configures recovery codes.
type BackupCodeConfig struct {
	Count  int `env:"KEYGATE_BACKUP_CODE_COUNT"`
	Length int `env:"KEYGATE_BACKUP_CODE_LENGTH"`
}

// AuditConfig configures the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `env:"KEYGATE_AUDIT_ENABLED"`
	BufferSize int  `env:"KEYGATE_AUDIT_BUFFER"`
	DropIfFull bool `env:"KEYGATE_AUDIT_DROP_IF_FULL"`
}

// MailConfig configures outbound mail throttling.
type MailConfig struct {
	From          string  `env:"KEYGATE_MAIL_FROM"`
	RatePerSecond float64 `env:"KEYGATE_MAIL_RATE"`
	Burst         int     `env:"KEYGATE_MAIL_BURST"`
}

// MetricsConfig configures Prometheus registration.
type MetricsConfig struct {
	Enabled   bool   `env:"KEYGATE_METRICS_ENABLED"`
	Namespace string `env:"KEYGATE_METRICS_NAMESPACE"`
}

// DefaultConfig returns the production defaults. Signing keys have no
// default and must always be supplied.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			Issuer:        "keygate",
			Audience:      "keygate",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			ActionTTL:     time.Hour,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:              64 * 1024,
			Time:                3,
			Parallelism:         2,
			SaltLength:          16,
			KeyLength:           32,
			MinLength:           10,
			MaxLength:           128,
			UpgradeOnLogin:      true,
			MaxConcurrentHashes: 8,
		},
		Session: SessionConfig{
			Lifetime:    7 * 24 * time.Hour,
			CachePrefix: "keygate",
		},
		Lockout: LockoutConfig{
			Threshold: 5,
		},
		TwoFactor: TwoFactorConfig{
			TOTP: TOTPConfig{
				Issuer:    "keygate",
				Period:    30,
				Digits:    6,
				Skew:      1,
				Algorithm: "SHA1",
			},
			EmailOTP: EmailOTPConfig{
				Digits: 6,
				TTL:    5 * time.Minute,
			},
			BackupCodes: BackupCodeConfig{
				Count:  10,
				Length: 10,
			},
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Mail: MailConfig{
			From:          "no-reply@keygate.local",
			RatePerSecond: 5,
			Burst:         10,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "keygate",
		},
		DefaultRole: "member",
	}
}

// ConfigFromEnv returns DefaultConfig overridden by KEYGATE_*
// environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with. Key
// material is checked later by the token manager, which knows the
// method-specific requirements.
func (c *Config) Validate() error {
	if c.Token.Issuer == "" || c.Token.Audience == "" {
		return errors.New("token issuer and audience are required")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 || c.Token.ActionTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		return errors.New("access TTL must be shorter than refresh TTL")
	}
	if c.Password.Memory < 8*1024 || c.Password.Time == 0 || c.Password.Parallelism == 0 {
		return errors.New("argon2 parameters below safe minimums")
	}
	if c.Password.SaltLength < 16 || c.Password.KeyLength < 16 {
		return errors.New("salt and key lengths must be at least 16 bytes")
	}
	if c.Password.MinLength < 8 || c.Password.MaxLength < c.Password.MinLength {
		return errors.New("invalid password length policy")
	}
	if c.Session.Lifetime <= 0 {
		return errors.New("session lifetime must be positive")
	}
	if c.Lockout.Threshold < 1 {
		return errors.New("lockout threshold must be at least 1")
	}
	if c.TwoFactor.TOTP.Period < 15 || c.TwoFactor.TOTP.Digits < 6 || c.TwoFactor.TOTP.Digits > 10 {
		return errors.New("invalid totp configuration")
	}
	if c.TwoFactor.TOTP.Skew < 0 || c.TwoFactor.TOTP.Skew > 2 {
		return errors.New("totp skew must be between 0 and 2")
	}
	if c.TwoFactor.EmailOTP.Digits < 6 || c.TwoFactor.EmailOTP.TTL <= 0 {
		return errors.New("invalid email otp configuration")
	}
	if c.TwoFactor.BackupCodes.Count < 1 || c.TwoFactor.BackupCodes.Length < 8 {
		return errors.New("invalid backup code configuration")
	}
	if c.DefaultRole == "" {
		return errors.New("default role is required")
	}
	return nil
}
