// Package config provides configuration management for the clearing service.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (DATABASE_URL, SERVER_PORT, POLICY_HARDSTOP_CEILING, ...)
// 3. Default values
//
// Import Path: goldclear.io/clearing/internal/config
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	River     RiverConfig     `mapstructure:"river"`
	Security  SecurityConfig  `mapstructure:"security"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Rails     RailsConfig     `mapstructure:"rails"`
	Logistics LogisticsConfig `mapstructure:"logistics"`
	Capital   CapitalConfig   `mapstructure:"capital"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// AllowCredentials is dropped when UnsafeAllowAllOrigins is set.
	AllowCredentials      bool `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool `mapstructure:"unsafe_allow_all_origins"`
	ValidateOpenAPI       bool `mapstructure:"validate_openapi"`
	ValidateResponses     bool `mapstructure:"validate_responses"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pgxpool is shared by the repositories and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`

	// Memory runs on in-process stores without PostgreSQL or River.
	// Development only: nothing survives a restart.
	Memory bool `mapstructure:"memory"`
	// SeedFixture is a YAML reference-data fixture loaded at boot in memory mode.
	SeedFixture string `mapstructure:"seed_fixture"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
	ReconcileInterval           time.Duration `mapstructure:"reconcile_interval"`
}

// SecurityConfig contains JWT and clearing certificate keys.
type SecurityConfig struct {
	JWTSigningKey string        `mapstructure:"jwt_signing_key"`
	JWTIssuer     string        `mapstructure:"jwt_issuer"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime"`
	// CertificateKey keys the blake2b signature hash of clearing certificates.
	CertificateKey string `mapstructure:"certificate_key"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize    int `mapstructure:"general_pool_size"`
	SettlementPoolSize int `mapstructure:"settlement_pool_size"`
}

// PolicyConfig holds risk/capital thresholds. Ratios are fractions (0.90 = 90%).
type PolicyConfig struct {
	HardstopCeiling     float64 `mapstructure:"hardstop_ceiling"`
	HardstopWarnLevel   float64 `mapstructure:"hardstop_warn_level"`
	RedBlockNotionalUSD float64 `mapstructure:"red_block_notional_usd"`
	RequireEvidence     bool    `mapstructure:"require_evidence"`
}

// RailsConfig holds settlement rail routing settings.
type RailsConfig struct {
	Mode               string        `mapstructure:"mode"` // auto, moov, modern_treasury
	AutoThresholdCents int64         `mapstructure:"auto_threshold_cents"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`
	PlatformFeeBps     int64         `mapstructure:"platform_fee_bps"`
	SandboxFailRails   []string      `mapstructure:"sandbox_fail_rails"`
	SandboxLatency     time.Duration `mapstructure:"sandbox_latency"`
}

// LogisticsConfig holds carrier routing settings.
type LogisticsConfig struct {
	HighValueThresholdCents int64         `mapstructure:"high_value_threshold_cents"`
	Timeout                 time.Duration `mapstructure:"timeout"`
}

// CapitalConfig holds capital snapshot freshness and the dev static snapshot.
type CapitalConfig struct {
	Source       string        `mapstructure:"source"` // postgres or static
	MaxAge       time.Duration `mapstructure:"max_age"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	StaticBase   float64       `mapstructure:"static_base_usd"`
	StaticGross  float64       `mapstructure:"static_gross_usd"`
	StaticLimit  float64       `mapstructure:"static_hardstop_usd"`
}

// HardstopCeilingDecimal returns the ceiling as a decimal.
func (p PolicyConfig) HardstopCeilingDecimal() decimal.Decimal {
	return decimal.NewFromFloat(p.HardstopCeiling)
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
// Environment variables use standard names without prefix: database.max_conns → DATABASE_MAX_CONNS.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/goldclear")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if len(c.Security.JWTSigningKey) < 32 {
		return fmt.Errorf("security.jwt_signing_key must be at least 32 characters")
	}
	if len(c.Security.CertificateKey) > 64 {
		return fmt.Errorf("security.certificate_key must be at most 64 characters")
	}
	switch c.Rails.Mode {
	case "auto", "moov", "modern_treasury":
	default:
		return fmt.Errorf("rails.mode must be one of auto, moov, modern_treasury (got %q)", c.Rails.Mode)
	}
	if c.Rails.AutoThresholdCents <= 0 {
		return fmt.Errorf("rails.auto_threshold_cents must be positive")
	}
	if c.Rails.AttemptTimeout <= 0 {
		return fmt.Errorf("rails.attempt_timeout must be positive")
	}
	if c.Rails.PlatformFeeBps < 0 || c.Rails.PlatformFeeBps >= 10000 {
		return fmt.Errorf("rails.platform_fee_bps must be in [0, 10000)")
	}
	if c.Policy.HardstopCeiling <= 0 || c.Policy.HardstopCeiling > 1.5 {
		return fmt.Errorf("policy.hardstop_ceiling must be in (0, 1.5]")
	}
	if c.Policy.HardstopWarnLevel > c.Policy.HardstopCeiling {
		return fmt.Errorf("policy.hardstop_warn_level must not exceed policy.hardstop_ceiling")
	}
	switch c.Capital.Source {
	case "postgres", "static":
	default:
		return fmt.Errorf("capital.source must be postgres or static (got %q)", c.Capital.Source)
	}
	if c.Database.Memory && c.Capital.Source == "postgres" {
		return fmt.Errorf("capital.source postgres requires a database; use static with database.memory")
	}
	return nil
}

// ensureSecrets auto-generates a signing key on first boot if none is configured.
func (c *Config) ensureSecrets() error {
	if c.Security.JWTSigningKey == "" {
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate jwt signing key: %w", err)
		}
		c.Security.JWTSigningKey = secret
		logBootstrapWarn(
			"auto-generated jwt_signing_key; set SECURITY_JWT_SIGNING_KEY for tokens that survive restarts",
			zap.Int("length", len(secret)),
		)
	}
	if c.Security.CertificateKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate certificate key: %w", err)
		}
		c.Security.CertificateKey = key
		logBootstrapWarn(
			"auto-generated certificate_key; certificate hashes will not verify across restarts",
			zap.Int("length", len(key)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)
	v.SetDefault("server.validate_openapi", true)
	v.SetDefault("server.validate_responses", false)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "clearing")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "clearing")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 30)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.memory", false)
	v.SetDefault("database.seed_fixture", "")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")
	v.SetDefault("river.reconcile_interval", "10m")

	// Security
	v.SetDefault("security.jwt_issuer", "goldclear")
	v.SetDefault("security.token_lifetime", "8h")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 50)
	v.SetDefault("worker.settlement_pool_size", 16)

	// Policy
	v.SetDefault("policy.hardstop_ceiling", 0.90)
	v.SetDefault("policy.hardstop_warn_level", 0.80)
	v.SetDefault("policy.red_block_notional_usd", 5_000_000)
	v.SetDefault("policy.require_evidence", false)

	// Rails
	v.SetDefault("rails.mode", "auto")
	v.SetDefault("rails.auto_threshold_cents", 25_000_000)
	v.SetDefault("rails.attempt_timeout", "20s")
	v.SetDefault("rails.platform_fee_bps", 15)
	v.SetDefault("rails.sandbox_fail_rails", []string{})
	v.SetDefault("rails.sandbox_latency", "0s")

	// Logistics
	v.SetDefault("logistics.high_value_threshold_cents", 100_000_000)
	v.SetDefault("logistics.timeout", "10s")

	// Capital
	v.SetDefault("capital.source", "postgres")
	v.SetDefault("capital.max_age", "5s")
	v.SetDefault("capital.fetch_timeout", "2s")
	v.SetDefault("capital.static_base_usd", 10_000_000)
	v.SetDefault("capital.static_gross_usd", 0)
	v.SetDefault("capital.static_hardstop_usd", 8_000_000)
}
