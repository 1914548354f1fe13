// Package config loads listsync settings from a YAML file and the
// environment and turns them into listsync.Options.
//
// Environment variables (optionally from a .env file) override the file:
//
//	LISTSYNC_NAMESPACE, LISTSYNC_LOG_LEVEL, LISTSYNC_LOG_FORMAT,
//	LISTSYNC_API_URL, LISTSYNC_API_TOKEN, LISTSYNC_STREAM_URL,
//	LISTSYNC_SPILL_BACKEND, LISTSYNC_GENSTORE_BACKEND,
//	LISTSYNC_REDIS_ADDR, LISTSYNC_REDIS_PASSWORD, LISTSYNC_REDIS_DB
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/listsync"
	"github.com/unkn0wn-root/listsync/codec"
)

type Config struct {
	Namespace string          `yaml:"namespace"`
	Log       LogConfig       `yaml:"log"`
	Cache     CacheConfig     `yaml:"cache"`
	GenStore  GenStoreConfig  `yaml:"genstore"`
	Spill     SpillConfig     `yaml:"spill"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	Stream    StreamConfig    `yaml:"stream"`
	Mutations MutationsConfig `yaml:"mutations"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Affects maps an entity type to the entity types whose lists also
	// refetch when it changes.
	Affects map[string][]string `yaml:"affects"`
}

// LogConfig selects the slog handler. Format is text, json or pretty.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Hooks also logs hook events (fetch failures, rollbacks, stream errors).
	Hooks bool `yaml:"hooks"`
	// HookQueue > 0 delivers hook events from a background worker with a
	// queue of that length; events are dropped when it is full.
	HookQueue int `yaml:"hook_queue"`
}

type CacheConfig struct {
	StaleAfter      time.Duration `yaml:"stale_after"`
	GCWindow        time.Duration `yaml:"gc_window"`
	GCInterval      time.Duration `yaml:"gc_interval"`
	FetchRetryDelay time.Duration `yaml:"fetch_retry_delay"`
}

// GenStoreConfig selects where generations live: local or redis.
type GenStoreConfig struct {
	Backend   string        `yaml:"backend"`
	Retention time.Duration `yaml:"retention"`
	TTL       time.Duration `yaml:"ttl"` // redis only
}

// SpillConfig selects the tier evicted entries go to: none, bigcache,
// ristretto or redis.
type SpillConfig struct {
	Backend        string        `yaml:"backend"`
	Codec          string        `yaml:"codec"` // msgpack, json or cbor
	TTL            time.Duration `yaml:"ttl"`
	MaxDecodeBytes int           `yaml:"max_decode_bytes"`

	// RedisPrefix scopes spilled keys in a shared Redis, e.g. per account.
	RedisPrefix string `yaml:"redis_prefix"`

	BigCache struct {
		Shards             int `yaml:"shards"`
		HardMaxCacheSizeMB int `yaml:"hard_max_cache_size_mb"`
	} `yaml:"bigcache"`
	Ristretto struct {
		NumCounters int64 `yaml:"num_counters"`
		MaxCost     int64 `yaml:"max_cost"`
	} `yaml:"ristretto"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type StreamConfig struct {
	URL              string        `yaml:"url"`
	Codec            string        `yaml:"codec"` // json, msgpack, cbor or protobuf
	ReconnectEvery   time.Duration `yaml:"reconnect_every"`
	PingEvery        time.Duration `yaml:"ping_every"`
	DegradedInterval time.Duration `yaml:"degraded_interval"`
}

type MutationsConfig struct {
	History int `yaml:"history"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Namespace: "listsync",
		Log:       LogConfig{Level: "info", Format: "text"},
		GenStore:  GenStoreConfig{Backend: "local"},
		Spill:     SpillConfig{Backend: "none", Codec: "msgpack"},
		Redis:     RedisConfig{Addr: "localhost:6379"},
	}
}

// Load reads path (skipped when empty) over Default, then applies .env and
// environment overrides. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // optional
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LISTSYNC_NAMESPACE":        &c.Namespace,
		"LISTSYNC_LOG_LEVEL":        &c.Log.Level,
		"LISTSYNC_LOG_FORMAT":       &c.Log.Format,
		"LISTSYNC_API_URL":          &c.API.BaseURL,
		"LISTSYNC_API_TOKEN":        &c.API.Token,
		"LISTSYNC_STREAM_URL":       &c.Stream.URL,
		"LISTSYNC_SPILL_BACKEND":    &c.Spill.Backend,
		"LISTSYNC_GENSTORE_BACKEND": &c.GenStore.Backend,
		"LISTSYNC_REDIS_ADDR":       &c.Redis.Addr,
		"LISTSYNC_REDIS_PASSWORD":   &c.Redis.Password,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	if v, ok := lookup("LISTSYNC_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LISTSYNC_REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	if c.Log.HookQueue < 0 {
		errs = append(errs, fmt.Errorf("log.hook_queue %d: must not be negative", c.Log.HookQueue))
	}
	switch c.Log.Format {
	case "", "text", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text, json or pretty", c.Log.Format))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.GenStore.Backend {
	case "", "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("genstore.backend %q: want local or redis", c.GenStore.Backend))
	}
	switch c.Spill.Backend {
	case "", "none", "bigcache", "ristretto", "redis":
	default:
		errs = append(errs, fmt.Errorf("spill.backend %q: want none, bigcache, ristretto or redis", c.Spill.Backend))
	}
	if _, err := codec.ByName[listsync.SpillRecord](c.Spill.Codec, 0); err != nil {
		errs = append(errs, fmt.Errorf("spill.codec: %w", err))
	}
	if c.Stream.Codec != "protobuf" {
		if _, err := codec.ByName[listsync.Signal](c.Stream.Codec, 0); err != nil {
			errs = append(errs, fmt.Errorf("stream.codec: %w", err))
		}
	}
	if (c.GenStore.Backend == "redis" || c.Spill.Backend == "redis") && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required by the redis backends"))
	}
	if c.Mutations.History < 0 {
		errs = append(errs, errors.New("mutations.history must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
