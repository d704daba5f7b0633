package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViper_Defaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := FromViper(v)

	assert.Equal(t, 3, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Ledger.InitialBackoff)
	assert.Equal(t, 1.5, cfg.Ledger.BackoffFactor)
	assert.Equal(t, 300*time.Millisecond, cfg.Ledger.SlowThreshold)
	assert.Equal(t, "100", cfg.Ledger.MinBillPayment)
	assert.Equal(t, "50", cfg.Ledger.MinAirtime)
	assert.Equal(t, 3, cfg.Pin.MaxAttempts)
	assert.Equal(t, 4, cfg.Pin.Length)
	assert.Equal(t, time.Duration(0), cfg.Idempotency.TTL)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.CacheTTL)
	assert.Equal(t, 10*time.Second, cfg.Idempotency.LockTTL)
	assert.Equal(t, "0 2 * * *", cfg.Scheduler.ReconciliationSpec)
	assert.Equal(t, "log", cfg.Outbox.Broker)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LEDGER_MAX_ATTEMPTS", "5")
	t.Setenv("IDEMPOTENCY_TTL", "72h")
	t.Setenv("DATABASE_NAME", "ledger_test")
	t.Setenv("OUTBOX_BROKER", "kafka")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 72*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, "ledger_test", cfg.Database.Name)
	assert.Equal(t, "kafka", cfg.Outbox.Broker)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", Name: "n", SSLMode: "disable"}

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", c.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/n?sslmode=disable", c.URL())
}
