package crawlqueue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLQUEUE_LEASE_SECONDS.
const EnvPrefix = "CRAWLQUEUE"

// Config represents crawl queue configuration.
type Config struct {
	// JobScoping enables per-job key prefixes. The job id comes from JobID,
	// else from the CRAWL_JOB environment variable, else the queue is unscoped.
	JobScoping bool   `mapstructure:"job_scoping"`
	JobID      string `mapstructure:"job_id"`

	QueueKey   string `mapstructure:"queue_key" validate:"required"`
	Serializer string `mapstructure:"serializer" validate:"omitempty,oneof=safe json msgpack legacy"`

	// LeaseSeconds is how long a leased item stays invisible (default: 120).
	LeaseSeconds int `mapstructure:"lease_seconds" validate:"gt=0"`
	MaxRetries   int `mapstructure:"max_retries" validate:"gte=0"`

	BlockingMode     string `mapstructure:"blocking_mode" validate:"oneof=auto on off"`
	DedupeTTLSeconds int    `mapstructure:"dedupe_ttl_seconds" validate:"gt=0"`

	SimpleRetry         bool          `mapstructure:"simple_retry"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	RetryPriorityAdjust int           `mapstructure:"retry_priority_adjust"`

	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PollMaxInterval time.Duration `mapstructure:"poll_max_interval" validate:"gtefield=PollInterval"`
	// IdleTimeout bounds how long Scheduler.Next waits on an empty queue.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`

	ReclaimInterval time.Duration `mapstructure:"reclaim_interval" validate:"gt=0"`
	ReclaimBatch    int           `mapstructure:"reclaim_batch" validate:"gte=0"`

	// Persist keeps the queue on Close; FlushOnStart clears it on Open.
	Persist        bool `mapstructure:"persist"`
	FlushOnStart   bool `mapstructure:"flush_on_start"`
	BackendRetries int  `mapstructure:"backend_retries" validate:"gte=0"`

	Backend    string `mapstructure:"backend" validate:"oneof=redis badger sqlite memory"`
	RedisURL   string `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	BadgerPath string `mapstructure:"badger_path"`
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
}

var defaults = map[string]any{
	"job_scoping":           false,
	"job_id":                "",
	"queue_key":             "crawl:requests",
	"serializer":            SerializerSafe,
	"lease_seconds":         120,
	"max_retries":           5,
	"blocking_mode":         "auto",
	"dedupe_ttl_seconds":    7 * 24 * 3600,
	"simple_retry":          true,
	"retry_base_delay":      time.Second,
	"retry_max_delay":       5 * time.Minute,
	"retry_priority_adjust": 0,
	"poll_interval":         100 * time.Millisecond,
	"poll_max_interval":     2 * time.Second,
	"idle_timeout":          5 * time.Second,
	"reclaim_interval":      10 * time.Second,
	"reclaim_batch":         100,
	"persist":               true,
	"flush_on_start":        false,
	"backend_retries":       3,
	"backend":               BackendRedis,
	"redis_url":             "redis://localhost:6379/0",
	"badger_path":           "",
	"sqlite_path":           "crawlqueue.db",
}

// DefaultConfig returns the default configuration without reading files or
// the environment.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("crawlqueue: default config: %v", err))
	}
	return cfg
}

// LoadConfig loads configuration from defaults, the optional file at path
// (YAML, TOML or JSON by extension) and CRAWLQUEUE_* environment variables,
// in increasing order of precedence, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and returns a readable error listing
// every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// LeaseDuration returns LeaseSeconds as a duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// DedupeTTL returns DedupeTTLSeconds as a duration.
func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLSeconds) * time.Second
}

// RetryPolicy builds the retry policy described by the config.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:        c.SimpleRetry,
		MaxRetries:     c.MaxRetries,
		BaseDelay:      c.RetryBaseDelay,
		MaxDelay:       c.RetryMaxDelay,
		PriorityAdjust: c.RetryPriorityAdjust,
	}
}
