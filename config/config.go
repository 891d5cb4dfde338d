// Package config loads node configuration from YAML, an optional .env file and
// CASCLUSTER_* environment variables, in that order of precedence (lowest
// first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/cascluster"
)

const envPrefix = "CASCLUSTER_"

const (
	ProviderLocal = "local"
	ProviderRedis = "redis"

	StoreMemory   = "memory"
	StoreBigCache = "bigcache"

	LogZap    = "zap"
	LogLogrus = "logrus"
	LogSlog   = "slog"
)

type Config struct {
	Node struct {
		// "" => random id per process
		ID string `yaml:"id"`
	} `yaml:"node"`

	Provider struct {
		// local | redis
		Kind  string `yaml:"kind"`
		Local struct {
			// memory | bigcache
			Store              string `yaml:"store"`
			BigCacheShards     int    `yaml:"bigcache_shards"`
			MaxEntrySize       int    `yaml:"max_entry_size"`
			HardMaxCacheSizeMB int    `yaml:"hard_max_cache_size_mb"`
		} `yaml:"local"`
		Redis struct {
			Addr         string        `yaml:"addr"`
			Password     string        `yaml:"password"`
			DB           int           `yaml:"db"`
			Prefix       string        `yaml:"prefix"`
			Lease        time.Duration `yaml:"lease"`
			PollInterval time.Duration `yaml:"poll_interval"`
		} `yaml:"redis"`
	} `yaml:"provider"`

	Names cascluster.Names `yaml:"names"`

	Timer struct {
		MinInterval time.Duration `yaml:"min_interval"`
		RetryDelay  time.Duration `yaml:"retry_delay"`
		// heartbeat task of the run command; <0 disables it
		Heartbeat time.Duration `yaml:"heartbeat"`
	} `yaml:"timer"`

	Events struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"events"`

	Layer struct {
		CallTimeout time.Duration `yaml:"call_timeout"`
		HintTTL     time.Duration `yaml:"hint_ttl"`
	} `yaml:"layer"`

	Membership struct {
		Interval time.Duration `yaml:"interval"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"membership"`

	Log struct {
		// dev | prod
		Env     string `yaml:"env"`
		Level   string `yaml:"level"`
		Backend string `yaml:"backend"` // zap | logrus | slog

		// also log hook events through slog
		Hooks bool `yaml:"hooks"`
	} `yaml:"log"`

	Metrics struct {
		// "" disables the /metrics listener
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads path (skipped when ""), applies environment overrides and
// defaults, then validates.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func (c *Config) applyDefaults() {
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderLocal
	}
	if c.Provider.Local.Store == "" {
		c.Provider.Local.Store = StoreMemory
	}
	if c.Timer.MinInterval == 0 {
		c.Timer.MinInterval = time.Second
	}
	if c.Timer.RetryDelay == 0 {
		c.Timer.RetryDelay = time.Second
	}
	if c.Timer.Heartbeat == 0 {
		c.Timer.Heartbeat = 30 * time.Second
	}
	if c.Events.PollInterval == 0 {
		c.Events.PollInterval = 50 * time.Millisecond
	}
	if c.Layer.CallTimeout == 0 {
		c.Layer.CallTimeout = 30 * time.Second
	}
	if c.Layer.HintTTL == 0 {
		c.Layer.HintTTL = 2 * time.Second
	}
	if c.Membership.Interval == 0 {
		c.Membership.Interval = 2 * time.Second
	}
	if c.Membership.TTL == 0 {
		c.Membership.TTL = 3 * c.Membership.Interval
	}
	if c.Log.Env == "" {
		c.Log.Env = "prod"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Backend == "" {
		c.Log.Backend = LogZap
	}
}

// Validate rejects configurations no node could start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider.Kind {
	case ProviderLocal:
		switch c.Provider.Local.Store {
		case StoreMemory, StoreBigCache:
		default:
			errs = append(errs, fmt.Errorf("provider.local.store: unknown store %q", c.Provider.Local.Store))
		}
	case ProviderRedis:
		if c.Provider.Redis.Addr == "" {
			errs = append(errs, errors.New("provider.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.kind: unknown provider %q", c.Provider.Kind))
	}
	switch c.Log.Env {
	case "dev", "prod":
	default:
		errs = append(errs, fmt.Errorf("log.env: want dev or prod, got %q", c.Log.Env))
	}
	switch c.Log.Backend {
	case LogZap, LogLogrus, LogSlog:
	default:
		errs = append(errs, fmt.Errorf("log.backend: unknown %q", c.Log.Backend))
	}
	if c.Membership.TTL <= c.Membership.Interval {
		errs = append(errs, errors.New("membership.ttl must exceed membership.interval"))
	}
	for name, d := range map[string]time.Duration{
		"timer.min_interval":           c.Timer.MinInterval,
		"timer.retry_delay":            c.Timer.RetryDelay,
		"events.poll_interval":         c.Events.PollInterval,
		"layer.call_timeout":           c.Layer.CallTimeout,
		"membership.interval":          c.Membership.Interval,
		"provider.redis.lease":         c.Provider.Redis.Lease,
		"provider.redis.poll_interval": c.Provider.Redis.PollInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: negative duration %s", name, d))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// YAML renders the effective configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	cp := *c
	if cp.Provider.Redis.Password != "" {
		cp.Provider.Redis.Password = "****"
	}
	return yaml.Marshal(&cp)
}

func (c *Config) applyEnvOverrides() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := getEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := getEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := getEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := getEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("NODE_ID", &c.Node.ID)
	str("NAMESPACE", &c.Names.Namespace)

	str("PROVIDER", &c.Provider.Kind)
	str("LOCAL_STORE", &c.Provider.Local.Store)
	str("REDIS_ADDR", &c.Provider.Redis.Addr)
	str("REDIS_PASSWORD", &c.Provider.Redis.Password)
	num("REDIS_DB", &c.Provider.Redis.DB)
	str("REDIS_PREFIX", &c.Provider.Redis.Prefix)
	dur("REDIS_LEASE", &c.Provider.Redis.Lease)

	dur("TIMER_MIN_INTERVAL", &c.Timer.MinInterval)
	dur("TIMER_RETRY_DELAY", &c.Timer.RetryDelay)
	dur("TIMER_HEARTBEAT", &c.Timer.Heartbeat)
	dur("EVENTS_POLL_INTERVAL", &c.Events.PollInterval)
	dur("LAYER_CALL_TIMEOUT", &c.Layer.CallTimeout)
	dur("LAYER_HINT_TTL", &c.Layer.HintTTL)
	dur("MEMBERSHIP_INTERVAL", &c.Membership.Interval)
	dur("MEMBERSHIP_TTL", &c.Membership.TTL)

	str("LOG_ENV", &c.Log.Env)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_BACKEND", &c.Log.Backend)
	flag("LOG_HOOKS", &c.Log.Hooks)
	str("METRICS_ADDR", &c.Metrics.Addr)

	c.Provider.Kind = strings.ToLower(c.Provider.Kind)
	c.Log.Env = strings.ToLower(c.Log.Env)
	c.Log.Backend = strings.ToLower(c.Log.Backend)
	return errors.Join(errs...)
}

func getEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	return v, v != ""
}
