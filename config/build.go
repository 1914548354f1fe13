package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/listsync"
	"github.com/unkn0wn-root/listsync/codec"
	"github.com/unkn0wn-root/listsync/genstore"
	asynchook "github.com/unkn0wn-root/listsync/hooks/async"
	lslog "github.com/unkn0wn-root/listsync/log/slog"
	"github.com/unkn0wn-root/listsync/promhooks"
	"github.com/unkn0wn-root/listsync/provider"
	"github.com/unkn0wn-root/listsync/provider/bigcache"
	"github.com/unkn0wn-root/listsync/provider/redis"
	"github.com/unkn0wn-root/listsync/provider/ristretto"
	"github.com/unkn0wn-root/listsync/sloghooks"
	"github.com/unkn0wn-root/listsync/stream/websocket"
	"github.com/unkn0wn-root/listsync/transport/httpapi"
)

const defaultSpillTTL = 10 * time.Minute

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the slog logger described by Log, writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	var h slog.Handler
	switch c.Log.Format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "pretty":
		h = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h).With("component", "listsync")
}

// Options builds engine options with backends, hooks and, when api.base_url
// is set, the HTTP fetcher and mutator. reg receives the metrics when
// metrics.enabled; nil => prometheus.DefaultRegisterer.
func (c *Config) Options(ctx context.Context, l *slog.Logger, reg prometheus.Registerer) (listsync.Options, error) {
	opts := listsync.Options{
		Namespace:        c.Namespace,
		Logger:           lslog.Logger{L: l},
		GenRetention:     c.GenStore.Retention,
		StaleAfter:       c.Cache.StaleAfter,
		GCWindow:         c.Cache.GCWindow,
		GCInterval:       c.Cache.GCInterval,
		SpillTTL:         c.Spill.TTL,
		FetchRetryDelay:  c.Cache.FetchRetryDelay,
		MutationHistory:  c.Mutations.History,
		DegradedInterval: c.Stream.DegradedInterval,
		Affects:          c.Affects,
	}

	hooks, err := c.hooks(l, reg)
	if err != nil {
		return listsync.Options{}, err
	}
	opts.Hooks = hooks

	sc, err := codec.ByName[listsync.SpillRecord](c.Spill.Codec, c.Spill.MaxDecodeBytes)
	if err != nil {
		return listsync.Options{}, fmt.Errorf("config: spill.codec: %w", err)
	}
	opts.SpillCodec = sc

	if c.API.BaseURL != "" {
		api, err := c.NewAPIClient()
		if err != nil {
			return listsync.Options{}, err
		}
		opts.Fetcher = api
		opts.Mutator = api
	}

	var rdb *goredis.Client
	if c.GenStore.Backend == "redis" || c.Spill.Backend == "redis" {
		rdb = goredis.NewClient(&goredis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return listsync.Options{}, fmt.Errorf("config: redis %s: %w", c.Redis.Addr, err)
		}
	}
	if c.GenStore.Backend == "redis" {
		// the gen store owns the client; the spill provider only borrows it
		opts.GenStore = genstore.NewRedisGenStore(rdb, c.Namespace, c.GenStore.TTL)
	}

	spill, err := c.spill(ctx, rdb)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return listsync.Options{}, err
	}
	opts.Spill = spill

	return opts, nil
}

// NewAPIClient builds the HTTP fetcher and mutator for api.base_url.
func (c *Config) NewAPIClient() (*httpapi.Client, error) {
	cfg := httpapi.Config{BaseURL: c.API.BaseURL}
	if c.API.Timeout > 0 {
		cfg.Client = &http.Client{Timeout: c.API.Timeout}
	}
	if c.API.Token != "" {
		cfg.Header = http.Header{"Authorization": {"Bearer " + c.API.Token}}
	}
	return httpapi.New(cfg)
}

// NewStream builds the push stream for stream.url.
func (c *Config) NewStream(l listsync.Logger) (*websocket.Stream, error) {
	cfg := websocket.Config{
		URL:            c.Stream.URL,
		ReconnectEvery: c.Stream.ReconnectEvery,
		PingEvery:      c.Stream.PingEvery,
		Logger:         l,
	}
	if c.API.Token != "" {
		cfg.Header = http.Header{"Authorization": {"Bearer " + c.API.Token}}
	}
	switch c.Stream.Codec {
	case "", "json":
	case "protobuf":
		cfg.Codec = websocket.StructCodec{}
	default:
		sc, err := codec.ByName[listsync.Signal](c.Stream.Codec, 0)
		if err != nil {
			return nil, fmt.Errorf("config: stream.codec: %w", err)
		}
		cfg.Codec = sc
	}
	return websocket.New(cfg)
}

func (c *Config) hooks(l *slog.Logger, reg prometheus.Registerer) (listsync.Hooks, error) {
	var hs multiHooks
	if c.Log.Hooks {
		hs = append(hs, sloghooks.New(l, sloghooks.Options{StaleEvery: 10, SpillEvery: 10}))
	}
	if c.Metrics.Enabled {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ph, err := promhooks.New(reg, c.Metrics.Namespace)
		if err != nil {
			return nil, fmt.Errorf("config: metrics: %w", err)
		}
		hs = append(hs, ph)
	}
	var h listsync.Hooks
	switch len(hs) {
	case 0:
		return nil, nil
	case 1:
		h = hs[0]
	default:
		h = hs
	}
	if c.Log.HookQueue > 0 {
		h = asynchook.New(h, 1, c.Log.HookQueue)
	}
	return h, nil
}

func (c *Config) spill(ctx context.Context, rdb *goredis.Client) (provider.Provider, error) {
	switch strings.ToLower(c.Spill.Backend) {
	case "bigcache":
		life := c.Spill.TTL
		if life <= 0 {
			life = defaultSpillTTL
		}
		p, err := bigcache.New(ctx, bigcache.Config{
			LifeWindow:         life,
			Shards:             c.Spill.BigCache.Shards,
			HardMaxCacheSizeMB: c.Spill.BigCache.HardMaxCacheSizeMB,
		})
		if err != nil {
			return nil, fmt.Errorf("config: bigcache: %w", err)
		}
		return p, nil
	case "ristretto":
		rc := ristretto.Config{
			NumCounters: c.Spill.Ristretto.NumCounters,
			MaxCost:     c.Spill.Ristretto.MaxCost,
		}
		if rc.NumCounters <= 0 {
			rc.NumCounters = 100_000
		}
		if rc.MaxCost <= 0 {
			rc.MaxCost = 64 << 20
		}
		p, err := ristretto.New(rc)
		if err != nil {
			return nil, fmt.Errorf("config: ristretto: %w", err)
		}
		return p, nil
	case "redis":
		p, err := redis.New(redis.Config{Client: rdb, Prefix: c.Spill.RedisPrefix, CloseClient: c.GenStore.Backend != "redis"})
		if err != nil {
			return nil, fmt.Errorf("config: redis spill: %w", err)
		}
		return p, nil
	default:
		return nil, nil
	}
}

// multiHooks fans each event out to every hook in order.
type multiHooks []listsync.Hooks

func (m multiHooks) FetchFailed(key, op string, err error) {
	for _, h := range m {
		h.FetchFailed(key, op, err)
	}
}

func (m multiHooks) StaleResponseDropped(key, op string) {
	for _, h := range m {
		h.StaleResponseDropped(key, op)
	}
}

func (m multiHooks) ConflictResolved(key string, pending int) {
	for _, h := range m {
		h.ConflictResolved(key, pending)
	}
}

func (m multiHooks) MutationCommitted(id, action string, targets int) {
	for _, h := range m {
		h.MutationCommitted(id, action, targets)
	}
}

func (m multiHooks) MutationRolledBack(id, action string, err error) {
	for _, h := range m {
		h.MutationRolledBack(id, action, err)
	}
}

func (m multiHooks) SignalDeferred(entityType, entityID string) {
	for _, h := range m {
		h.SignalDeferred(entityType, entityID)
	}
}

func (m multiHooks) StreamError(err error) {
	for _, h := range m {
		h.StreamError(err)
	}
}

func (m multiHooks) SpillRejected(storageKey, reason string) {
	for _, h := range m {
		h.SpillRejected(storageKey, reason)
	}
}

func (m multiHooks) GenStoreError(key string, err error) {
	for _, h := range m {
		h.GenStoreError(key, err)
	}
}
