// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full server configuration. Every field has an environment
// binding so deployment stays twelve-factor.
type Config struct {
	ListenAddr string `env:"SIP_LISTEN_ADDR,default=:8080"`
	Owner      string `env:"SIP_OWNER,required"`

	// APIToken protects mutating endpoints when set.
	APIToken string `env:"SIP_API_TOKEN"`
	// AuditPath appends request audit entries as JSONL when set.
	AuditPath string `env:"SIP_AUDIT_PATH"`

	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string `env:"SIP_ALLOWED_ORIGINS"`

	// RateLimit bounds per-caller request rates. Zero disables limiting.
	RateLimitPerSecond int `env:"SIP_RATE_LIMIT_PER_SECOND,default=50"`
	RateLimitBurst     int `env:"SIP_RATE_LIMIT_BURST,default=100"`

	// PostgresDSN selects the Postgres store when set; empty runs in-memory.
	PostgresDSN string `env:"SIP_POSTGRES_DSN"`
	// RedisAddr moves commitment and claim tracking to Redis when set.
	RedisAddr     string `env:"SIP_REDIS_ADDR"`
	RedisPassword string `env:"SIP_REDIS_PASSWORD"`
	RedisDB       int    `env:"SIP_REDIS_DB,default=0"`

	// LedgerEndpoint selects the RPC ledger when set; empty runs simulated.
	LedgerEndpoint string `env:"SIP_LEDGER_ENDPOINT"`

	// ConfidentialEndpoint selects the remote confidential backend when set.
	ConfidentialEndpoint string `env:"SIP_CONFIDENTIAL_ENDPOINT"`
	ConfidentialAPIKey   string `env:"SIP_CONFIDENTIAL_API_KEY"`

	QuoteEndpoint string `env:"SIP_QUOTE_ENDPOINT"`
	QuoteAPIKey   string `env:"SIP_QUOTE_API_KEY"`
	FeeEndpoint   string `env:"SIP_FEE_ENDPOINT"`

	BatchMaxSize     int           `env:"SIP_BATCH_MAX_SIZE,default=100"`
	BatchMaxWait     time.Duration `env:"SIP_BATCH_MAX_WAIT,default=30s"`
	BatchMaxAge      time.Duration `env:"SIP_BATCH_MAX_AGE,default=15m"`
	BatchFlushPeriod time.Duration `env:"SIP_BATCH_FLUSH_PERIOD,default=5s"`
	SweepSchedule    string        `env:"SIP_SWEEP_SCHEDULE,default=@every 1m"`

	MixMinDelay     time.Duration `env:"SIP_MIX_MIN_DELAY,default=30s"`
	MixMaxDelay     time.Duration `env:"SIP_MIX_MAX_DELAY,default=5m"`
	MixMinBatch     int           `env:"SIP_MIX_MIN_BATCH,default=5"`
	MixMaxBatchWait time.Duration `env:"SIP_MIX_MAX_BATCH_WAIT,default=10m"`
	MixMaxPerBatch  int           `env:"SIP_MIX_MAX_PER_BATCH,default=20"`
	// MixOperator funds shortfalls when fallback is on.
	MixOperator         string `env:"SIP_MIX_OPERATOR"`
	MixOperatorFallback bool   `env:"SIP_MIX_OPERATOR_FALLBACK,default=false"`

	// ShutdownGrace bounds graceful HTTP shutdown.
	ShutdownGrace time.Duration `env:"SIP_SHUTDOWN_GRACE,default=15s"`

	LogLevel string `env:"SIP_LOG_LEVEL,default=info"`
}

// Load reads an optional .env file and decodes the environment. A missing
// .env file is not an error; a malformed one is.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Owner == "" {
		return fmt.Errorf("owner must be set")
	}
	if c.BatchMaxSize <= 0 {
		return fmt.Errorf("batch max size must be positive")
	}
	if c.MixMinDelay > c.MixMaxDelay {
		return fmt.Errorf("mixing min delay %s exceeds max delay %s", c.MixMinDelay, c.MixMaxDelay)
	}
	if c.MixOperatorFallback && c.MixOperator == "" {
		return fmt.Errorf("operator fallback enabled without an operator identity")
	}
	return nil
}
