package listsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/listsync/codec"
	"github.com/unkn0wn-root/listsync/internal/util"
	"github.com/unkn0wn-root/listsync/internal/wire"
	pr "github.com/unkn0wn-root/listsync/provider"
)

// SpillRecord is the encoded form of an evicted entry. Exactly one of Item,
// List or Grouped is set, according to Kind.
type SpillRecord struct {
	Key     string         `json:"key" msgpack:"key" cbor:"key"`
	Kind    byte           `json:"kind" msgpack:"kind" cbor:"kind"`
	Item    *Item          `json:"item,omitempty" msgpack:"item,omitempty" cbor:"item,omitempty"`
	List    ItemList       `json:"list,omitempty" msgpack:"list,omitempty" cbor:"list,omitempty"`
	Grouped *GroupedResult `json:"grouped,omitempty" msgpack:"grouped,omitempty" cbor:"grouped,omitempty"`
}

func newSpillRecord(k string, v Value) (SpillRecord, error) {
	rec := SpillRecord{Key: k}
	switch vv := v.(type) {
	case Item:
		rec.Kind, rec.Item = wire.KindItem, &vv
	case ItemList:
		rec.Kind, rec.List = wire.KindList, vv
	case *GroupedResult:
		rec.Kind, rec.Grouped = wire.KindGrouped, vv
	default:
		return rec, fmt.Errorf("spill: unsupported value %T", v)
	}
	return rec, nil
}

// Value returns the record's payload as a cache value.
func (r SpillRecord) Value() (Value, error) {
	switch {
	case r.Kind == wire.KindItem && r.Item != nil:
		return *r.Item, nil
	case r.Kind == wire.KindList:
		return r.List, nil
	case r.Kind == wire.KindGrouped && r.Grouped != nil:
		return r.Grouped, nil
	default:
		return nil, fmt.Errorf("spill: record kind %d carries no value", r.Kind)
	}
}

type spill struct {
	ns    string
	p     pr.Provider
	codec c.Codec[SpillRecord]
	ttl   time.Duration
	hooks Hooks
	log   Logger
}

func (s *spill) storageKey(k string) string { return util.StorageKey("spill:"+s.ns, k) }

// save writes v framed with gen. Failures only cost the warm restart, so
// they are logged and dropped.
func (s *spill) save(ctx context.Context, k string, gen uint64, v Value) {
	sk := s.storageKey(k)
	rec, err := newSpillRecord(k, v)
	if err != nil {
		s.log.Warn("spill skipped", Fields{"key": k, "err": err})
		return
	}
	payload, err := s.codec.Encode(rec)
	if err != nil {
		s.log.Warn("spill encode error", Fields{"key": k, "err": err})
		return
	}
	frame, err := wire.EncodeFrame(wire.Frame{Kind: rec.Kind, Gen: gen, KeyHash: util.HashKey(k), Payload: payload})
	if err != nil {
		s.log.Warn("spill frame error", Fields{"key": k, "err": err})
		return
	}
	ok, err := s.p.Set(ctx, sk, frame, int64(len(frame)), s.ttl)
	switch {
	case err != nil:
		s.log.Warn("spill write error", Fields{"key": k, "storage_key": sk, "err": err})
	case !ok:
		s.log.Debug("spill write rejected by provider", Fields{"key": k, "storage_key": sk})
	}
}

// load reads the spilled copy of k and deletes it. Frames that fail
// validation or were spilled at a different generation are deleted and reported.
func (s *spill) load(ctx context.Context, k string, gen uint64) (Value, bool) {
	sk := s.storageKey(k)
	raw, ok, err := s.p.Get(ctx, sk)
	if err != nil {
		s.log.Warn("spill read error", Fields{"key": k, "storage_key": sk, "err": err})
		return nil, false
	}
	if !ok {
		return nil, false
	}

	v, reason := s.decode(k, gen, raw)
	s.del(ctx, sk)
	if reason != "" {
		s.hooks.SpillRejected(sk, reason)
		s.log.Debug("spill rejected", Fields{"key": k, "storage_key": sk, "reason": reason})
		return nil, false
	}
	return v, true
}

func (s *spill) decode(k string, gen uint64, raw []byte) (Value, string) {
	f, err := wire.DecodeFrame(raw)
	if err != nil {
		return nil, "corrupt"
	}
	if f.KeyHash != util.HashKey(k) {
		return nil, "key_mismatch"
	}
	if f.Gen != gen {
		return nil, "gen_mismatch"
	}
	rec, err := s.codec.Decode(f.Payload)
	if err != nil {
		return nil, "value_decode"
	}
	if rec.Key != k || rec.Kind != f.Kind {
		return nil, "key_mismatch"
	}
	v, err := rec.Value()
	if err != nil {
		return nil, "value_decode"
	}
	return v, ""
}

func (s *spill) del(ctx context.Context, sk string) {
	if err := s.p.Del(ctx, sk); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("spill delete error", Fields{"storage_key": sk, "err": err})
	}
}
