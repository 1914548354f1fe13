package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/listsync"
	"github.com/unkn0wn-root/listsync/codec"
	asynchook "github.com/unkn0wn-root/listsync/hooks/async"
	"github.com/unkn0wn-root/listsync/promhooks"
	"github.com/unkn0wn-root/listsync/provider/bigcache"
	"github.com/unkn0wn-root/listsync/provider/ristretto"
	"github.com/unkn0wn-root/listsync/sloghooks"
	"github.com/unkn0wn-root/listsync/stream/websocket"
)

const sample = `
namespace: tracker
log:
  level: debug
  format: json
  hooks: true
cache:
  stale_after: 45s
  gc_window: 10m
  gc_interval: -1s
genstore:
  backend: local
  retention: 2h
spill:
  backend: bigcache
  codec: cbor
  ttl: 5m
  max_decode_bytes: 1048576
api:
  base_url: https://api.example.com/v1
  token: secret
stream:
  url: wss://api.example.com/push
  codec: protobuf
  degraded_interval: 20s
mutations:
  history: 64
affects:
  comment: [issue]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "listsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "tracker", cfg.Namespace)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Log.Hooks)
	assert.Equal(t, 45*time.Second, cfg.Cache.StaleAfter)
	assert.Equal(t, 10*time.Minute, cfg.Cache.GCWindow)
	assert.Equal(t, -time.Second, cfg.Cache.GCInterval)
	assert.Equal(t, 2*time.Hour, cfg.GenStore.Retention)
	assert.Equal(t, "bigcache", cfg.Spill.Backend)
	assert.Equal(t, 1<<20, cfg.Spill.MaxDecodeBytes)
	assert.Equal(t, 20*time.Second, cfg.Stream.DegradedInterval)
	assert.Equal(t, "protobuf", cfg.Stream.Codec)
	assert.Equal(t, 64, cfg.Mutations.History)
	assert.Equal(t, []string{"issue"}, cfg.Affects["comment"])
	// untouched sections keep their defaults
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Namespace, cfg.Namespace)
	assert.Equal(t, "none", cfg.Spill.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("LISTSYNC_NAMESPACE", "from-env")
	t.Setenv("LISTSYNC_SPILL_BACKEND", "ristretto")
	t.Setenv("LISTSYNC_REDIS_DB", "3")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Namespace)
	assert.Equal(t, "ristretto", cfg.Spill.Backend)
	assert.Equal(t, 3, cfg.Redis.DB)
}

func TestApplyEnvBadInt(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "LISTSYNC_REDIS_DB" {
			return "three", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"empty namespace", func(c *Config) { c.Namespace = "" }, "namespace is required"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"genstore backend", func(c *Config) { c.GenStore.Backend = "etcd" }, "genstore.backend"},
		{"spill backend", func(c *Config) { c.Spill.Backend = "disk" }, "spill.backend"},
		{"spill codec", func(c *Config) { c.Spill.Codec = "gob" }, "spill.codec"},
		{"stream codec", func(c *Config) { c.Stream.Codec = "xml" }, "stream.codec"},
		{"redis addr", func(c *Config) { c.Spill.Backend = "redis"; c.Redis.Addr = "" }, "redis.addr"},
		{"history", func(c *Config) { c.Mutations.History = -1 }, "mutations.history"},
		{"hook queue", func(c *Config) { c.Log.HookQueue = -1 }, "log.hook_queue"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mod(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Namespace = ""
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace")
	assert.Contains(t, err.Error(), "log.format")
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "pretty"} {
		t.Run(format, func(t *testing.T) {
			cfg := Default()
			cfg.Log.Format = format
			cfg.Log.Level = "warn"
			var buf bytes.Buffer
			l := cfg.NewLogger(&buf)
			l.Info("hidden")
			l.Warn("shown", "key", "v")
			assert.NotContains(t, buf.String(), "hidden")
			assert.Contains(t, buf.String(), "shown")
		})
	}
}

func TestOptionsLocalBackends(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	opts, err := cfg.Options(context.Background(), cfg.NewLogger(&bytes.Buffer{}), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = opts.Spill.Close(context.Background()) })

	assert.Equal(t, "tracker", opts.Namespace)
	assert.Nil(t, opts.GenStore) // local gen store is built by the engine
	assert.IsType(t, &bigcache.Provider{}, opts.Spill)
	assert.IsType(t, codec.Limit[listsync.SpillRecord]{}, opts.SpillCodec)
	assert.IsType(t, &sloghooks.Hooks{}, opts.Hooks)
	assert.NotNil(t, opts.Fetcher)
	assert.NotNil(t, opts.Mutator)
	assert.Equal(t, 45*time.Second, opts.StaleAfter)
	assert.Equal(t, map[string][]string{"comment": {"issue"}}, opts.Affects)
}

func TestOptionsRistrettoAndMetrics(t *testing.T) {
	cfg := Default()
	cfg.Spill.Backend = "ristretto"
	cfg.Metrics.Enabled = true

	opts, err := cfg.Options(context.Background(), cfg.NewLogger(&bytes.Buffer{}), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = opts.Spill.Close(context.Background()) })

	assert.IsType(t, &ristretto.Provider{}, opts.Spill)
	assert.IsType(t, codec.Msgpack[listsync.SpillRecord]{}, opts.SpillCodec)
	assert.IsType(t, &promhooks.Hooks{}, opts.Hooks)
	assert.Nil(t, opts.Fetcher)
}

func TestOptionsBothHooksFanOut(t *testing.T) {
	cfg := Default()
	cfg.Log.Hooks = true
	cfg.Metrics.Enabled = true

	var buf bytes.Buffer
	opts, err := cfg.Options(context.Background(), cfg.NewLogger(&buf), prometheus.NewRegistry())
	require.NoError(t, err)
	require.IsType(t, multiHooks{}, opts.Hooks)
	assert.Len(t, opts.Hooks.(multiHooks), 2)

	opts.Hooks.StreamError(errors.New("boom"))
	assert.Contains(t, buf.String(), "boom")
}

func TestOptionsHookQueue(t *testing.T) {
	cfg := Default()
	cfg.Log.Hooks = true
	cfg.Log.HookQueue = 8

	var buf bytes.Buffer
	opts, err := cfg.Options(context.Background(), cfg.NewLogger(&buf), nil)
	require.NoError(t, err)
	h, ok := opts.Hooks.(*asynchook.Hooks)
	require.True(t, ok, "hooks = %T", opts.Hooks)

	h.StreamError(errors.New("boom"))
	h.Close()
	assert.Contains(t, buf.String(), "boom")
	assert.Zero(t, h.Dropped())
}

func TestNewStream(t *testing.T) {
	cfg := Default()
	_, err := cfg.NewStream(nil)
	assert.Error(t, err, "stream.url is required")

	cfg.Stream.URL = "ws://localhost:1/push"
	s, err := cfg.NewStream(nil)
	require.NoError(t, err)
	assert.IsType(t, &websocket.Stream{}, s)

	for _, name := range []string{"msgpack", "cbor", "protobuf"} {
		cfg.Stream.Codec = name
		_, err := cfg.NewStream(nil)
		assert.NoError(t, err, name)
	}
}
