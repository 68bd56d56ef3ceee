package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleseneker/ringtrace/internal/ring"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ringtrace.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, ring.DefaultCapacity, cfg.Ring.Capacity)
	assert.False(t, cfg.Ring.Overwrite)
	assert.Equal(t, 8, cfg.Consumer.RetryBudget)
	assert.Equal(t, 100*time.Millisecond, cfg.Consumer.PollTimeout)
	assert.True(t, cfg.Consumer.StrictLength)
	assert.Equal(t, 4, cfg.Simulate.Producers)
	assert.Equal(t, "do_sys_openat2", cfg.Attach.Symbol)
	assert.Equal(t, "events", cfg.Attach.EventsMap)
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
log:
  level: debug
  format: json
ring:
  capacity: 4096
  overwrite: true
consumer:
  pollTimeout: 250ms
  retryBudget: 2
simulate:
  producers: 8
  rate: 1500.5
attach:
  object: build/trace_open.bpf.o
  eventsMap: samples
`)
	cfg, err := Load(New(), p)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 4096, cfg.Ring.Capacity)
	assert.True(t, cfg.Ring.Overwrite)
	assert.Equal(t, 250*time.Millisecond, cfg.Consumer.PollTimeout)
	assert.Equal(t, 2, cfg.Consumer.RetryBudget)
	assert.Equal(t, 8, cfg.Simulate.Producers)
	assert.InDelta(t, 1500.5, cfg.Simulate.Rate, 1e-9)
	assert.Equal(t, "build/trace_open.bpf.o", cfg.Attach.Object)
	assert.Equal(t, "samples", cfg.Attach.EventsMap)
	// untouched keys keep defaults
	assert.Equal(t, 1000, cfg.Simulate.Events)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	p := writeConfig(t, "ring:\n  capacity: 4096\n")
	t.Setenv("RINGTRACE_RING_CAPACITY", "8192")
	t.Setenv("RINGTRACE_LOG_LEVEL", "warn")

	cfg, err := Load(New(), p)
	require.NoError(t, err)
	assert.Equal(t, 8192, cfg.Ring.Capacity)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("RINGTRACE_RING_CAPACITY", "8192")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("capacity", 0, "")
	fs.Bool("overwrite", false, "")
	require.NoError(t, fs.Parse([]string{"--capacity", "1024", "--overwrite"}))

	v := New()
	require.NoError(t, BindFlags(v, fs, map[string]string{
		"ring.capacity":  "capacity",
		"ring.overwrite": "overwrite",
		"ring.debug":     "not-registered",
	}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Ring.Capacity)
	assert.True(t, cfg.Ring.Overwrite)
}

func TestUnsetFlagDoesNotOverride(t *testing.T) {
	t.Setenv("RINGTRACE_RING_CAPACITY", "8192")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("capacity", 64, "")
	require.NoError(t, fs.Parse(nil))

	v := New()
	require.NoError(t, BindFlags(v, fs, map[string]string{"ring.capacity": "capacity"}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 8192, cfg.Ring.Capacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"capacity not power of two", func(c *Config) { c.Ring.Capacity = 1000 }, "ring.capacity 1000"},
		{"capacity too small", func(c *Config) { c.Ring.Capacity = 4 }, "ring.capacity 4"},
		{"zero poll timeout", func(c *Config) { c.Consumer.PollTimeout = 0 }, "consumer.pollTimeout"},
		{"negative retry budget", func(c *Config) { c.Consumer.RetryBudget = -1 }, "consumer.retryBudget"},
		{"no producers", func(c *Config) { c.Simulate.Producers = 0 }, "simulate.producers"},
		{"negative events", func(c *Config) { c.Simulate.Events = -1 }, "simulate.events"},
		{"negative rate", func(c *Config) { c.Simulate.Rate = -1 }, "simulate.rate"},
		{"zero idle", func(c *Config) { c.Simulate.Idle = 0 }, "simulate.idle"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, `log.format "xml"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	p := writeConfig(t, "ring:\n  capacity: 100\n")
	_, err := Load(New(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "power of two")
}
