// Package config loads ringtrace settings from defaults, an optional YAML
// file, RINGTRACE_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kyleseneker/ringtrace/internal/ring"
)

// EnvPrefix is prepended to every environment variable, e.g.
// RINGTRACE_RING_CAPACITY.
const EnvPrefix = "RINGTRACE"

// Config represents the application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Ring     RingConfig     `mapstructure:"ring"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Simulate SimulateConfig `mapstructure:"simulate"`
	Attach   AttachConfig   `mapstructure:"attach"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console, json
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// RingConfig sizes the in-process ring.
type RingConfig struct {
	Capacity  int  `mapstructure:"capacity"`
	Overwrite bool `mapstructure:"overwrite"`
	Debug     bool `mapstructure:"debug"`
}

// ConsumerConfig tunes the consumer loop.
type ConsumerConfig struct {
	RetryBudget  int           `mapstructure:"retryBudget"`
	PollTimeout  time.Duration `mapstructure:"pollTimeout"`
	StrictLength bool          `mapstructure:"strictLength"`
	FailFast     bool          `mapstructure:"failFast"`
	ErrorBuffer  int           `mapstructure:"errorBuffer"`
}

// SimulateConfig drives the synthetic producers of `ringtrace simulate`.
type SimulateConfig struct {
	Producers int           `mapstructure:"producers"`
	Events    int           `mapstructure:"events"`
	Rate      float64       `mapstructure:"rate"`
	Comm      string        `mapstructure:"comm"`
	Idle      time.Duration `mapstructure:"idle"`
}

// AttachConfig selects the BPF object and kernel symbol for `ringtrace attach`.
type AttachConfig struct {
	Object    string `mapstructure:"object"`
	Symbol    string `mapstructure:"symbol"`
	Program   string `mapstructure:"program"`
	EventsMap string `mapstructure:"eventsMap"`
}

// New returns a viper instance carrying defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key so environment variables resolve for
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("ring.capacity", ring.DefaultCapacity)
	v.SetDefault("ring.overwrite", false)
	v.SetDefault("ring.debug", false)

	v.SetDefault("consumer.retryBudget", 8)
	v.SetDefault("consumer.pollTimeout", 100*time.Millisecond)
	v.SetDefault("consumer.strictLength", true)
	v.SetDefault("consumer.failFast", false)
	v.SetDefault("consumer.errorBuffer", 64)

	v.SetDefault("simulate.producers", 4)
	v.SetDefault("simulate.events", 1000)
	v.SetDefault("simulate.rate", 0.0)
	v.SetDefault("simulate.comm", "simulate")
	v.SetDefault("simulate.idle", 500*time.Millisecond)

	v.SetDefault("attach.object", "")
	v.SetDefault("attach.symbol", "do_sys_openat2")
	v.SetDefault("attach.program", "")
	v.SetDefault("attach.eventsMap", "events")
}

// BindFlags binds each config key to the named flag in fs. Flags that are
// not present in fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file at path, unmarshals and validates.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if !ring.IsPowerOfTwo(c.Ring.Capacity) || c.Ring.Capacity < ring.MinCapacity {
		errs = append(errs, fmt.Errorf("ring.capacity %d: must be a power of two >= %d", c.Ring.Capacity, ring.MinCapacity))
	}
	if c.Consumer.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("consumer.pollTimeout %s: must be positive", c.Consumer.PollTimeout))
	}
	if c.Consumer.RetryBudget < 0 {
		errs = append(errs, fmt.Errorf("consumer.retryBudget %d: must not be negative", c.Consumer.RetryBudget))
	}
	if c.Simulate.Producers <= 0 {
		errs = append(errs, fmt.Errorf("simulate.producers %d: must be positive", c.Simulate.Producers))
	}
	if c.Simulate.Events < 0 {
		errs = append(errs, fmt.Errorf("simulate.events %d: must not be negative", c.Simulate.Events))
	}
	if c.Simulate.Rate < 0 {
		errs = append(errs, fmt.Errorf("simulate.rate %g: must not be negative", c.Simulate.Rate))
	}
	if c.Simulate.Idle <= 0 {
		errs = append(errs, fmt.Errorf("simulate.idle %s: must be positive", c.Simulate.Idle))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
