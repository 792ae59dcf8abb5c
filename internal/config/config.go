// Package config loads service configuration.
// Built-in defaults are overlaid by an optional YAML file, then by environment
// variables (envconfig) which always win. A .env file is read first if present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config holds ALL application settings.
type Config struct {
	// --- Storage ---
	StoreDriver string `yaml:"storeDriver" envconfig:"STORE_DRIVER"`
	// Empty path means an in-memory database (local runs and tests)
	SQLitePath string `yaml:"sqlitePath" envconfig:"SQLITE_PATH"`

	// --- Database ---
	DBHost     string `yaml:"dbHost"     envconfig:"DB_HOST"`
	DBPort     int    `yaml:"dbPort"     envconfig:"DB_PORT"`
	DBUser     string `yaml:"dbUser"     envconfig:"DB_USER"`
	DBPassword string `yaml:"dbPassword" envconfig:"DB_PASSWORD"`
	DBName     string `yaml:"dbName"     envconfig:"DB_NAME"`
	DBSSLMode  string `yaml:"dbSslMode"  envconfig:"DB_SSLMODE"`
	DBMaxConns int32  `yaml:"dbMaxConns" envconfig:"DB_MAX_CONNS"`
	DBMinConns int32  `yaml:"dbMinConns" envconfig:"DB_MIN_CONNS"`

	// --- Application ---
	AppEnv      string `yaml:"appEnv"      envconfig:"APP_ENV"`
	AppLogLevel string `yaml:"appLogLevel" envconfig:"APP_LOG_LEVEL"`
	AppTimezone string `yaml:"appTimezone" envconfig:"APP_TIMEZONE"`

	// --- HTTP ---
	HTTPAddr            string        `yaml:"httpAddr"            envconfig:"HTTP_ADDR"`
	HTTPShutdownTimeout time.Duration `yaml:"httpShutdownTimeout" envconfig:"HTTP_SHUTDOWN_TIMEOUT"`

	// --- Ledger ---
	LedgerStartingBalance int64         `yaml:"ledgerStartingBalance" envconfig:"LEDGER_STARTING_BALANCE"`
	LedgerReplenishGrant  int64         `yaml:"ledgerReplenishGrant"  envconfig:"LEDGER_REPLENISH_GRANT"`
	LedgerReplenishPeriod time.Duration `yaml:"ledgerReplenishPeriod" envconfig:"LEDGER_REPLENISH_PERIOD"`
	// Cron spec for the sweep that replenishes idle users
	LedgerReplenishCron string `yaml:"ledgerReplenishCron" envconfig:"LEDGER_REPLENISH_CRON"`
	// How many users the sweep handles per batch
	LedgerSweepBatch int `yaml:"ledgerSweepBatch" envconfig:"LEDGER_SWEEP_BATCH"`

	// --- Privacy ---
	PrivacyEnabled bool `yaml:"privacyEnabled" envconfig:"PRIVACY_ENABLED"`
	PrivacyKeyBits int  `yaml:"privacyKeyBits" envconfig:"PRIVACY_KEY_BITS"`
	// Key pair file; generated on first start
	PrivacyKeyFile string `yaml:"privacyKeyFile" envconfig:"PRIVACY_KEY_FILE"`
	// Secret that keys voter tags so they cannot be recomputed from a user id
	PrivacyTagSecret string `yaml:"privacyTagSecret" envconfig:"PRIVACY_TAG_SECRET"`

	// --- Auth ---
	AuthJWTSecret string `yaml:"authJwtSecret" envconfig:"AUTH_JWT_SECRET"`
	AuthJWTIssuer string `yaml:"authJwtIssuer" envconfig:"AUTH_JWT_ISSUER"`
	// Argon2id hash of the service identity token (see `qvote hash-token`)
	AuthServiceTokenHash string `yaml:"authServiceTokenHash" envconfig:"AUTH_SERVICE_TOKEN_HASH"`

	// --- Rate Limiting ---
	RateLimitRequests int           `yaml:"rateLimitRequests" envconfig:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow   time.Duration `yaml:"rateLimitWindow"   envconfig:"RATE_LIMIT_WINDOW"`

	// --- Telegram front end (optional) ---
	TelegramBotToken        string `yaml:"telegramBotToken"        envconfig:"TELEGRAM_BOT_TOKEN"`
	BotMaxInflight          int    `yaml:"botMaxInflight"          envconfig:"BOT_MAX_INFLIGHT"`
	BotUpdateTimeoutSeconds int    `yaml:"botUpdateTimeoutSeconds" envconfig:"BOT_UPDATE_TIMEOUT_SECONDS"`
	// Group chat the bot answers in besides private chats; 0 disables
	TelegramChatID int64 `yaml:"telegramChatId" envconfig:"TELEGRAM_CHAT_ID"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		StoreDriver:             StoreDriverPostgres,
		DBHost:                  "postgres",
		DBPort:                  5432,
		DBUser:                  "qvote",
		DBName:                  "qvote",
		DBSSLMode:               "disable",
		DBMaxConns:              25,
		DBMinConns:              5,
		AppEnv:                  "development",
		AppLogLevel:             "info",
		AppTimezone:             "UTC",
		HTTPAddr:                ":8080",
		HTTPShutdownTimeout:     10 * time.Second,
		LedgerStartingBalance:   100,
		LedgerReplenishGrant:    100,
		LedgerReplenishPeriod:   7 * 24 * time.Hour,
		LedgerReplenishCron:     "0 * * * *",
		LedgerSweepBatch:        500,
		PrivacyKeyBits:          2048,
		PrivacyKeyFile:          "data/privacy_key.json",
		RateLimitRequests:       30,
		RateLimitWindow:         time.Minute,
		BotMaxInflight:          64,
		BotUpdateTimeoutSeconds: 60,
	}
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// TelegramEnabled reports whether the chat front end should start.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres store")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("invalid DB_MIN_CONNS/DB_MAX_CONNS")
		}
	case StoreDriverSQLite:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.LedgerStartingBalance < 0 {
		return fmt.Errorf("LEDGER_STARTING_BALANCE must be >= 0")
	}
	if c.LedgerReplenishGrant <= 0 {
		return fmt.Errorf("LEDGER_REPLENISH_GRANT must be > 0")
	}
	if c.LedgerReplenishPeriod <= 0 {
		return fmt.Errorf("LEDGER_REPLENISH_PERIOD must be > 0")
	}
	if c.LedgerSweepBatch <= 0 {
		return fmt.Errorf("LEDGER_SWEEP_BATCH must be > 0")
	}
	if c.PrivacyEnabled {
		if c.PrivacyKeyBits < 512 {
			return fmt.Errorf("PRIVACY_KEY_BITS must be >= 512")
		}
		if c.PrivacyKeyFile == "" {
			return fmt.Errorf("PRIVACY_KEY_FILE is required when privacy is enabled")
		}
		if c.PrivacyTagSecret == "" {
			return fmt.Errorf("PRIVACY_TAG_SECRET is required when privacy is enabled")
		}
	}
	if c.AuthJWTSecret == "" && c.AuthServiceTokenHash == "" {
		return fmt.Errorf("AUTH_JWT_SECRET or AUTH_SERVICE_TOKEN_HASH must be set")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.TelegramEnabled() && (c.BotMaxInflight <= 0 || c.BotUpdateTimeoutSeconds <= 0) {
		return fmt.Errorf("BOT_MAX_INFLIGHT and BOT_UPDATE_TIMEOUT_SECONDS must be > 0")
	}
	return nil
}

// Load reads .env, the optional YAML file and the environment, in that order
// of increasing priority.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := Defaults()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Environment wins over the file; unset variables keep the current value
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
