package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/generic"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, generic.DefaultMaxRetries, cfg.Engine.MaxRetries)
	assert.Equal(t, "@hourly", cfg.Sweep.Schedule)
	assert.Equal(t, 30*24*time.Hour, cfg.ExpiringWindow())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
[server]
addr = ":9090"
shutdown_timeout = "10s"

[database]
driver = "memory"

[engine]
max_retries = 2
retry_backoff = "20ms"

[sweep]
schedule = "0 3 * * *"

[referral]
percentage = "5"
max_credit_amount = "25.00"
expiry_days = 90

[referral.tiers.gold]
percentage = "15"
min_order_amount = "100"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, config.DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 2, cfg.Engine.MaxRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.Engine.RetryBackoff)

	settings, err := cfg.ReferralSettings()
	require.NoError(t, err)
	assert.Equal(t, "5", settings.Global.Percentage.String())
	require.NotNil(t, settings.Global.MaxCreditAmount)
	assert.Equal(t, "25.00", settings.Global.MaxCreditAmount.String())
	assert.Equal(t, 90, settings.Global.ExpiryDays)

	gold := settings.For("gold")
	assert.Equal(t, "15", gold.Percentage.String())
	assert.Equal(t, "100.00", gold.MinOrderAmount.String())
	// Unknown tiers fall back to the global settings
	assert.Equal(t, settings.Global, settings.For("silver"))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
[database]
driver = "sqlite"
path = "from-file.db"
`)
	t.Setenv("LEDGER_DB_PATH", "from-env.db")
	t.Setenv("LEDGER_ENGINE_MAX_RETRIES", "1")
	t.Setenv("LEDGER_SWEEP_ENABLED", "false")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env.db", cfg.Database.Path)
	assert.Equal(t, 1, cfg.Engine.MaxRetries)
	assert.False(t, cfg.Sweep.Enabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "unknown driver", body: "[database]\ndriver = \"oracle\"\n"},
		{name: "postgres without dsn", body: "[database]\ndriver = \"postgres\"\n"},
		{name: "bad cron", body: "[sweep]\nschedule = \"every tuesday\"\n"},
		{name: "retries out of range", body: "[engine]\nmax_retries = 50\n"},
		{name: "percentage over 100", body: "[referral]\npercentage = \"150\"\n"},
		{name: "bad log format", body: "[log]\nformat = \"xml\"\n"},
		{name: "bad env int", body: "", env: map[string]string{"LEDGER_ENGINE_MAX_RETRIES": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
