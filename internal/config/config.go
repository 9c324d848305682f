// Package config loads and validates bulkimportd's on-disk configuration,
// following the shared-publisher-leader-app's viper-backed Config idiom:
// a mapstructure/yaml-tagged struct, package defaults set on the viper
// instance before unmarshal, and a Validate method run once after load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds bulkimportd's complete configuration.
type Config struct {
	Job         JobConfig         `mapstructure:"job"         yaml:"job"`
	API         APIConfig         `mapstructure:"api"         yaml:"api"`
	Distributed DistributedConfig `mapstructure:"distributed" yaml:"distributed"`
	Metrics     MetricsConfig     `mapstructure:"metrics"     yaml:"metrics"`
	Log         LogConfig         `mapstructure:"log"         yaml:"log"`
}

// JobConfig mirrors scheduler.Options, in on-disk form.
type JobConfig struct {
	BatchSize            int  `mapstructure:"batch_size"             yaml:"batch_size"`
	MaxConcurrentBatches int  `mapstructure:"max_concurrent_batches" yaml:"max_concurrent_batches"`
	ContinueOnError      bool `mapstructure:"continue_on_error"       yaml:"continue_on_error"`
	MaxRetries           int  `mapstructure:"max_retries"             yaml:"max_retries"`
	RetryDelayMs         int  `mapstructure:"retry_delay_ms"          yaml:"retry_delay_ms"`
	SkipEmptyRows        bool `mapstructure:"skip_empty_rows"         yaml:"skip_empty_rows"`
}

// APIConfig configures the demo status/control HTTP server.
type APIConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"         yaml:"listen_addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"        yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"       yaml:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"        yaml:"idle_timeout"`
}

// DistributedConfig configures the multi-worker claim protocol.
type DistributedConfig struct {
	Enabled        bool  `mapstructure:"enabled"          yaml:"enabled"`
	StaleTimeoutMs int64 `mapstructure:"stale_timeout_ms" yaml:"stale_timeout_ms"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// LogConfig configures the zerolog setup.
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// Load reads configPath (YAML) through viper, applying defaults first and
// validating the result before returning it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration bulkimportd starts with when no file
// is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job.batch_size", 100)
	v.SetDefault("job.max_concurrent_batches", 1)
	v.SetDefault("job.continue_on_error", false)
	v.SetDefault("job.max_retries", 3)
	v.SetDefault("job.retry_delay_ms", 1000)
	v.SetDefault("job.skip_empty_rows", false)

	v.SetDefault("api.listen_addr", ":8081")
	v.SetDefault("api.read_header_timeout", "5s")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.idle_timeout", "120s")

	v.SetDefault("distributed.enabled", false)
	v.SetDefault("distributed.stale_timeout_ms", 60000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate checks every section for internally-consistent values.
func (c *Config) Validate() error {
	if err := c.Job.validate(); err != nil {
		return err
	}
	if err := c.API.validate(); err != nil {
		return err
	}
	if err := c.Distributed.validate(); err != nil {
		return err
	}
	return nil
}

func (c *JobConfig) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("job.batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("job.max_concurrent_batches must be positive, got %d", c.MaxConcurrentBatches)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("job.max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryDelayMs < 0 {
		return fmt.Errorf("job.retry_delay_ms must not be negative, got %d", c.RetryDelayMs)
	}
	return nil
}

func (c *APIConfig) validate() error {
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("api.read_timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("api.write_timeout must be positive")
	}
	return nil
}

func (c *DistributedConfig) validate() error {
	if c.Enabled && c.StaleTimeoutMs <= 0 {
		return fmt.Errorf("distributed.stale_timeout_ms must be positive when distributed is enabled, got %d", c.StaleTimeoutMs)
	}
	return nil
}
