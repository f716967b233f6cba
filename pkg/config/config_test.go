package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.DB.Driver)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, "NGN", cfg.Ledger.Currency)
	assert.Equal(t, int64(0), cfg.Ledger.DailySpendLimit)
	assert.True(t, cfg.Ledger.SpendLimitCountsPending)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.MinAge)
	assert.Empty(t, cfg.Reconcile.Schedule)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := "JWT_SECRET=from-file\nDB_PORT=6543\nDAILY_SPEND_LIMIT=500000\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.env"), []byte(content), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DB_PORT")
		os.Unsetenv("DAILY_SPEND_LIMIT")
	})

	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("PROVIDER_TIMEOUT", "45s")
	t.Setenv("DB_DRIVER", "MEMORY")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 6543, cfg.DB.Port)
	assert.Equal(t, int64(500000), cfg.Ledger.DailySpendLimit)
	assert.Equal(t, 45*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, DriverMemory, cfg.DB.Driver)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing jwt secret", env: map[string]string{"JWT_SECRET": ""}},
		{name: "unknown driver", env: map[string]string{"JWT_SECRET": "s", "DB_DRIVER": "mysql"}},
		{name: "negative spend limit", env: map[string]string{"JWT_SECRET": "s", "DAILY_SPEND_LIMIT": "-1"}},
		{name: "bad timezone", env: map[string]string{"JWT_SECRET": "s", "LEDGER_TIMEZONE": "Mars/Olympus"}},
		{name: "min age within provider timeout", env: map[string]string{"JWT_SECRET": "s", "RECONCILE_MIN_AGE": "20s", "PROVIDER_TIMEOUT": "30s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := DBConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", cfg.DSN())
}
