// Package sloghooks writes listsync hook events to a *slog.Logger. Query keys
// are redacted (SHA-256 prefix by default) since they carry filter values.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/listsync"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	StaleEvery uint64
	SpillEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	staleCtr atomic.Uint64
	spillCtr atomic.Uint64
}

var _ listsync.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchFailed(key, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("listsync.fetch_failed", "key", h.redact(key), "op", op, "err", err)
}

func (h *Hooks) StaleResponseDropped(key, op string) {
	if h.l == nil || !sample(h.opts.StaleEvery, &h.staleCtr) {
		return
	}
	h.l.Debug("listsync.stale_response_dropped", "key", h.redact(key), "op", op)
}

func (h *Hooks) ConflictResolved(key string, pending int) {
	if h.l == nil {
		return
	}
	h.l.Debug("listsync.conflict_resolved", "key", h.redact(key), "pending", pending)
}

func (h *Hooks) MutationCommitted(id, action string, targets int) {
	if h.l == nil {
		return
	}
	h.l.Debug("listsync.mutation_committed", "id", id, "action", action, "targets", targets)
}

func (h *Hooks) MutationRolledBack(id, action string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("listsync.mutation_rolled_back", "id", id, "action", action, "err", err)
}

func (h *Hooks) SignalDeferred(entityType, entityID string) {
	if h.l == nil {
		return
	}
	h.l.Debug("listsync.signal_deferred", "type", entityType, "id", entityID)
}

func (h *Hooks) StreamError(err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("listsync.stream_error", "err", err)
}

func (h *Hooks) SpillRejected(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SpillEvery, &h.spillCtr) {
		return
	}
	h.l.Debug("listsync.spill_rejected", "key", h.redact(storageKey), "reason", reason)
}

func (h *Hooks) GenStoreError(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("listsync.genstore_error", "key", h.redact(key), "err", err)
}
