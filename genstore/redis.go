package genstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGenStore keeps generations in Redis so sessions sharing a Redis spill
// tier agree on which spilled entries are current. With a TTL, idle counters
// expire; an expired counter reads as 0 and spilled frames stamped with an
// older generation are rejected and deleted on read.
type RedisGenStore struct {
	rdb redis.UniversalClient
	ns  string
	ttl time.Duration
}

var _ GenStore = (*RedisGenStore)(nil)

// NewRedisGenStore creates a Redis-backed store. ttl <= 0 disables expiry.
func NewRedisGenStore(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisGenStore {
	return &RedisGenStore{rdb: client, ns: namespace, ttl: ttl}
}

func (s *RedisGenStore) key(k string) string { return "gen:" + s.ns + ":" + k }

func (s *RedisGenStore) Snapshot(ctx context.Context, k string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(k)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(k, res)
}

func (s *RedisGenStore) SnapshotMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	rks := make([]string, len(ks))
	for i, k := range ks {
		rks[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, rks...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		var g uint64
		switch vv := v.(type) {
		case nil:
		case string:
			g, err = parseGen(ks[i], vv)
		default:
			g, err = parseGen(ks[i], fmt.Sprint(vv))
		}
		if err != nil {
			return nil, err
		}
		out[ks[i]] = g
	}
	return out, nil
}

// Bump increments the counter and refreshes its TTL in one round trip.
func (s *RedisGenStore) Bump(ctx context.Context, k string) (uint64, error) {
	rk := s.key(k)
	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, rk).Result()
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	}

	var incr *redis.IntCmd
	if _, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, rk)
		p.Expire(ctx, rk, s.ttl)
		return nil
	}); err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

func (s *RedisGenStore) Cleanup(time.Duration) {}

// Close closes the underlying client.
func (s *RedisGenStore) Close(context.Context) error { return s.rdb.Close() }

func parseGen(k, s string) (uint64, error) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: parse gen for %q: %w", k, err)
	}
	return u, nil
}
