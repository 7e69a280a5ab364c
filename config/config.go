package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Config carries every tunable for the stats cache subsystem. Construct it
// once at process startup and hand the relevant sections to each component;
// nothing in this module reads configuration on its own.
type Config struct {
	Cache       CacheConfig       `yaml:"cache"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// CacheConfig controls the persistent store and its TTL policy.
type CacheConfig struct {
	// Path is the sqlite database path. Empty or ":memory:" runs in memory.
	Path string `yaml:"path"`

	// ActiveTTL applies to subjects with recent activity.
	ActiveTTL time.Duration `yaml:"active_ttl"`

	// InactiveTTL applies to subjects with stale or missing activity data.
	InactiveTTL time.Duration `yaml:"inactive_ttl"`

	// ActivityThreshold is the maximum age of the last activity for a
	// subject to be classified active.
	ActivityThreshold time.Duration `yaml:"activity_threshold"`

	// PopularThreshold is the minimum access count for warming selection.
	PopularThreshold int `yaml:"popular_threshold"`

	// WarmingBatchSize caps how many candidates one warming pass selects.
	WarmingBatchSize int `yaml:"warming_batch_size"`

	// WarmingLead selects entries expiring within this window of now.
	WarmingLead time.Duration `yaml:"warming_lead"`

	// StatsRetentionDays is how long daily stats rows are kept.
	StatsRetentionDays int `yaml:"stats_retention_days"`
}

// ProcessorConfig controls the background task processor.
type ProcessorConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	MaxRetries     int           `yaml:"max_retries"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	SemaphoreLimit int           `yaml:"semaphore_limit"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// BreakerConfig controls the upstream circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// UpstreamConfig controls the statistics service client.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// MaintenanceConfig controls the periodic maintenance loops.
type MaintenanceConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	VacuumInterval  time.Duration `yaml:"vacuum_interval"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	WarmingInterval time.Duration `yaml:"warming_interval"`
	WarmingEnabled  bool          `yaml:"warming_enabled"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Path:               "data/statcache.db",
			ActiveTTL:          30 * time.Minute,
			InactiveTTL:        12 * time.Hour,
			ActivityThreshold:  14 * 24 * time.Hour,
			PopularThreshold:   5,
			WarmingBatchSize:   20,
			WarmingLead:        30 * time.Minute,
			StatsRetentionDays: 30,
		},
		Processor: ProcessorConfig{
			Workers:        4,
			QueueSize:      1000,
			MaxRetries:     3,
			TaskTimeout:    30 * time.Second,
			SemaphoreLimit: 8,
			DrainTimeout:   30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.statsource.example.com/api/v1/",
			RequestTimeout: 10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			CleanupInterval: 15 * time.Minute,
			VacuumInterval:  24 * time.Hour,
			StatsInterval:   15 * time.Minute,
			WarmingInterval: 20 * time.Minute,
			WarmingEnabled:  true,
		},
	}
}

// The YAML forms carry durations as strings ("30m", "1d12h") and overlay
// only the keys present, so a partial file keeps defaults for the rest.

func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Path               string `yaml:"path"`
		ActiveTTL          string `yaml:"active_ttl"`
		InactiveTTL        string `yaml:"inactive_ttl"`
		ActivityThreshold  string `yaml:"activity_threshold"`
		PopularThreshold   *int   `yaml:"popular_threshold"`
		WarmingBatchSize   *int   `yaml:"warming_batch_size"`
		WarmingLead        string `yaml:"warming_lead"`
		StatsRetentionDays *int   `yaml:"stats_retention_days"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setString(&c.Path, raw.Path)
	setInt(&c.PopularThreshold, raw.PopularThreshold)
	setInt(&c.WarmingBatchSize, raw.WarmingBatchSize)
	setInt(&c.StatsRetentionDays, raw.StatsRetentionDays)
	for _, d := range []struct {
		dst *time.Duration
		raw string
	}{
		{&c.ActiveTTL, raw.ActiveTTL},
		{&c.InactiveTTL, raw.InactiveTTL},
		{&c.ActivityThreshold, raw.ActivityThreshold},
		{&c.WarmingLead, raw.WarmingLead},
	} {
		if err := setDuration(d.dst, d.raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *ProcessorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Workers        *int   `yaml:"workers"`
		QueueSize      *int   `yaml:"queue_size"`
		MaxRetries     *int   `yaml:"max_retries"`
		TaskTimeout    string `yaml:"task_timeout"`
		SemaphoreLimit *int   `yaml:"semaphore_limit"`
		DrainTimeout   string `yaml:"drain_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setInt(&c.Workers, raw.Workers)
	setInt(&c.QueueSize, raw.QueueSize)
	setInt(&c.MaxRetries, raw.MaxRetries)
	setInt(&c.SemaphoreLimit, raw.SemaphoreLimit)
	if err := setDuration(&c.TaskTimeout, raw.TaskTimeout); err != nil {
		return err
	}
	return setDuration(&c.DrainTimeout, raw.DrainTimeout)
}

func (c *BreakerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		FailureThreshold *int   `yaml:"failure_threshold"`
		ResetTimeout     string `yaml:"reset_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setInt(&c.FailureThreshold, raw.FailureThreshold)
	return setDuration(&c.ResetTimeout, raw.ResetTimeout)
}

func (c *UpstreamConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		RequestTimeout string `yaml:"request_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setString(&c.BaseURL, raw.BaseURL)
	setString(&c.APIKey, raw.APIKey)
	return setDuration(&c.RequestTimeout, raw.RequestTimeout)
}

func (c *MaintenanceConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		CleanupInterval string `yaml:"cleanup_interval"`
		VacuumInterval  string `yaml:"vacuum_interval"`
		StatsInterval   string `yaml:"stats_interval"`
		WarmingInterval string `yaml:"warming_interval"`
		WarmingEnabled  *bool  `yaml:"warming_enabled"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.WarmingEnabled != nil {
		c.WarmingEnabled = *raw.WarmingEnabled
	}
	for _, d := range []struct {
		dst *time.Duration
		raw string
	}{
		{&c.CleanupInterval, raw.CleanupInterval},
		{&c.VacuumInterval, raw.VacuumInterval},
		{&c.StatsInterval, raw.StatsInterval},
		{&c.WarmingInterval, raw.WarmingInterval},
	} {
		if err := setDuration(d.dst, d.raw); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, raw string) {
	if raw != "" {
		*dst = raw
	}
}

func setInt(dst *int, raw *int) {
	if raw != nil {
		*dst = *raw
	}
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

// LoadFile overlays YAML settings from path onto c. A missing file is not an
// error so deployments can run on defaults plus environment alone.
func (c *Config) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// FromEnv overlays environment variables onto c. Durations accept the
// extended forms str2duration understands ("1d12h", "30m").
func (c *Config) FromEnv() {
	envString("STATCACHE_DB_PATH", &c.Cache.Path)
	envDuration("STATCACHE_ACTIVE_TTL", &c.Cache.ActiveTTL)
	envDuration("STATCACHE_INACTIVE_TTL", &c.Cache.InactiveTTL)
	envDuration("STATCACHE_ACTIVITY_THRESHOLD", &c.Cache.ActivityThreshold)
	envInt("STATCACHE_POPULAR_THRESHOLD", &c.Cache.PopularThreshold)
	envInt("STATCACHE_WARMING_BATCH_SIZE", &c.Cache.WarmingBatchSize)
	envDuration("STATCACHE_WARMING_LEAD", &c.Cache.WarmingLead)
	envInt("STATCACHE_STATS_RETENTION_DAYS", &c.Cache.StatsRetentionDays)

	envInt("STATCACHE_WORKERS", &c.Processor.Workers)
	envInt("STATCACHE_QUEUE_SIZE", &c.Processor.QueueSize)
	envInt("STATCACHE_MAX_RETRIES", &c.Processor.MaxRetries)
	envDuration("STATCACHE_TASK_TIMEOUT", &c.Processor.TaskTimeout)
	envInt("STATCACHE_SEMAPHORE_LIMIT", &c.Processor.SemaphoreLimit)
	envDuration("STATCACHE_DRAIN_TIMEOUT", &c.Processor.DrainTimeout)

	envInt("STATCACHE_BREAKER_THRESHOLD", &c.Breaker.FailureThreshold)
	envDuration("STATCACHE_BREAKER_RESET", &c.Breaker.ResetTimeout)

	envString("STATCACHE_UPSTREAM_URL", &c.Upstream.BaseURL)
	envString("STATCACHE_UPSTREAM_KEY", &c.Upstream.APIKey)
	envDuration("STATCACHE_UPSTREAM_TIMEOUT", &c.Upstream.RequestTimeout)

	envDuration("STATCACHE_CLEANUP_INTERVAL", &c.Maintenance.CleanupInterval)
	envDuration("STATCACHE_VACUUM_INTERVAL", &c.Maintenance.VacuumInterval)
	envDuration("STATCACHE_STATS_INTERVAL", &c.Maintenance.StatsInterval)
	envDuration("STATCACHE_WARMING_INTERVAL", &c.Maintenance.WarmingInterval)
	envBool("STATCACHE_WARMING_ENABLED", &c.Maintenance.WarmingEnabled)
}

// Clamp forces out-of-range values back into safe bounds instead of failing.
func (c *Config) Clamp() {
	c.Processor.Workers = clampInt(c.Processor.Workers, 1, 32)
	c.Processor.QueueSize = clampInt(c.Processor.QueueSize, 10, 100_000)
	c.Processor.SemaphoreLimit = clampInt(c.Processor.SemaphoreLimit, 1, 256)
	if c.Processor.MaxRetries < 0 {
		c.Processor.MaxRetries = 0
	}
	if c.Processor.TaskTimeout < time.Second {
		c.Processor.TaskTimeout = time.Second
	}
	if c.Breaker.FailureThreshold < 1 {
		c.Breaker.FailureThreshold = 1
	}
	if c.Cache.WarmingBatchSize < 1 {
		c.Cache.WarmingBatchSize = 1
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func envDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := str2duration.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
