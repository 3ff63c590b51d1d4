package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "supertask", cfg.StoreSchema)
	assert.Equal(t, "jobs", cfg.StoreTable)
	assert.Equal(t, "localhost:4243", cfg.HTTPListenAddress)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 100, cfg.ClaimLimit)
	assert.Equal(t, time.Minute, cfg.MisfireGrace)
	assert.Equal(t, 8, cfg.HorizonYears)
	assert.Equal(t, time.UTC, cfg.Timezone)
	assert.Equal(t, "info", cfg.LogLevel())
	assert.Error(t, cfg.RequireStore())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ST_STORE_ADDRESS", "memory://")
	t.Setenv("ST_POLL_INTERVAL", "250ms")
	t.Setenv("ST_JOBS_DELETE", "true")
	t.Setenv("ST_TIMEZONE", "Europe/Berlin")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.StoreAddress)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.PreDeleteJobs)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone.String())
	assert.NoError(t, cfg.RequireStore())
	assert.Equal(t, "memory://", cfg.Store().Address)
}

func TestFlagsWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supertask.toml")
	require.NoError(t, os.WriteFile(path, []byte("store-address = \"sqlite:///tmp/st.db\"\nclaim-limit = 7\ndebug = true\n"), 0o644))

	v := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("store-address", "", "")
	require.NoError(t, flags.Parse([]string{"--store-address", "memory://"}))
	require.NoError(t, v.BindPFlags(flags))
	require.NoError(t, ReadFile(v, path))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.StoreAddress)
	assert.Equal(t, 7, cfg.ClaimLimit)
	assert.Equal(t, "debug", cfg.LogLevel())
}

func TestReadFileMissing(t *testing.T) {
	assert.Error(t, ReadFile(New(), filepath.Join(t.TempDir(), "nope.yaml")))
	assert.NoError(t, ReadFile(New(), ""))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value any
	}{
		{"poll-interval", 0},
		{"claim-limit", 0},
		{"max-workers", -1},
		{"timezone", "Mars/Olympus"},
		{"backoff-max", time.Millisecond},
		{"misfire-grace", -time.Second},
		{"trigger-horizon-years", 0},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v := New()
			v.Set(tt.key, tt.value)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}
