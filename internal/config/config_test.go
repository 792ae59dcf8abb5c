package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSQLite() *Config {
	cfg := Defaults()
	cfg.StoreDriver = StoreDriverSQLite
	cfg.AuthJWTSecret = "secret"
	return cfg
}

func TestDefaultsNeedCredentials(t *testing.T) {
	assert.Error(t, Defaults().Validate())
	assert.NoError(t, validSQLite().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.StoreDriver = "mysql" }},
		{"postgres without password", func(c *Config) { c.StoreDriver = StoreDriverPostgres }},
		{"negative starting balance", func(c *Config) { c.LedgerStartingBalance = -1 }},
		{"zero grant", func(c *Config) { c.LedgerReplenishGrant = 0 }},
		{"zero period", func(c *Config) { c.LedgerReplenishPeriod = 0 }},
		{"zero batch", func(c *Config) { c.LedgerSweepBatch = 0 }},
		{"small key", func(c *Config) { c.PrivacyEnabled, c.PrivacyTagSecret, c.PrivacyKeyBits = true, "s", 256 }},
		{"privacy without tag secret", func(c *Config) { c.PrivacyEnabled = true }},
		{"no auth", func(c *Config) { c.AuthJWTSecret = "" }},
		{"zero rate limit", func(c *Config) { c.RateLimitRequests = 0 }},
		{"bot without inflight", func(c *Config) { c.TelegramBotToken, c.BotMaxInflight = "t", 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validSQLite()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qvote.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storeDriver: SQLite
authJwtSecret: from-file
ledgerStartingBalance: 50
ledgerReplenishPeriod: 24h
telegramChatId: -1001
`), 0o600))

	t.Setenv("LEDGER_STARTING_BALANCE", "70")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreDriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "from-file", cfg.AuthJWTSecret)
	assert.Equal(t, int64(70), cfg.LedgerStartingBalance)
	assert.Equal(t, 24*time.Hour, cfg.LedgerReplenishPeriod)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, int64(-1001), cfg.TelegramChatID)
	assert.Equal(t, int64(100), cfg.LedgerReplenishGrant)
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := Defaults()
	cfg.DBPassword = "pw"
	assert.Equal(t, "postgres://qvote:pw@postgres:5432/qvote?sslmode=disable", cfg.DatabaseDSN())
}
