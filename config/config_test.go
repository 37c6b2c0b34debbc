package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ticket-billing", cfg.App.Name)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "billing.db", cfg.Database.DSN)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.True(t, cfg.Billing.Tolerance.Equal(decimal.RequireFromString("0.01")))

	loc, err := cfg.Billing.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  port: "9090"
database:
  driver: pgx
  dsn: postgres://billing@localhost/billing
scheduler:
  interval: 5m
  workers: 2
billing:
  tolerance: "0.005"
`), 0o644))

	t.Setenv("BILLING_APP_PORT", "7070")
	t.Setenv("BILLING_SCHEDULER_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.App.Port, "env wins over file")
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://billing@localhost/billing", cfg.Database.DSN)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.True(t, cfg.Billing.Tolerance.Equal(decimal.RequireFromString("0.005")))
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "unknown driver",
			env:  map[string]string{"BILLING_DATABASE_DRIVER": "mysql"},
			want: "database.driver",
		},
		{
			name: "bad timezone",
			env:  map[string]string{"BILLING_BILLING_TIMEZONE": "Mars/Olympus"},
			want: "billing.timezone",
		},
		{
			name: "wildcard cors in production",
			env:  map[string]string{"BILLING_APP_ENV": "production"},
			want: "cors_allow_origins",
		},
		{
			name: "no workers",
			env:  map[string]string{"BILLING_SCHEDULER_WORKERS": "0"},
			want: "scheduler.workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// chdir switches the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
