// Package promhooks counts listsync hook events with Prometheus counters.
//
//	reg := prometheus.NewRegistry()
//	hooks, err := promhooks.New(reg, "app")
//	eng, _ := listsync.New(listsync.Options{Hooks: hooks, ...})
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/listsync"
)

// Hooks never label by query key or entity id; both are unbounded.
type Hooks struct {
	fetchFailed    *prometheus.CounterVec
	staleDropped   *prometheus.CounterVec
	conflicts      prometheus.Counter
	mutations      *prometheus.CounterVec
	signalDeferred *prometheus.CounterVec
	streamErrors   prometheus.Counter
	spillRejected  *prometheus.CounterVec
	genStoreErrors prometheus.Counter
}

var _ listsync.Hooks = (*Hooks)(nil)

// New registers the collectors with reg under namespace (may be empty).
func New(reg prometheus.Registerer, namespace string) (*Hooks, error) {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "listsync", Name: name, Help: help}
	}
	h := &Hooks{
		fetchFailed:    prometheus.NewCounterVec(opts("fetch_failures_total", "Fetches that failed after their retry."), []string{"op"}),
		staleDropped:   prometheus.NewCounterVec(opts("stale_responses_total", "Fetch responses dropped because the key moved on."), []string{"op"}),
		conflicts:      prometheus.NewCounter(opts("conflicts_resolved_total", "Server writes rebased under optimistic mutations.")),
		mutations:      prometheus.NewCounterVec(opts("mutations_total", "Resolved mutations by action and outcome."), []string{"action", "outcome"}),
		signalDeferred: prometheus.NewCounterVec(opts("signals_deferred_total", "Push signals parked behind an in-flight mutation."), []string{"entity_type"}),
		streamErrors:   prometheus.NewCounter(opts("stream_errors_total", "Push stream failures and disconnects.")),
		spillRejected:  prometheus.NewCounterVec(opts("spill_rejected_total", "Spilled entries deleted on restore."), []string{"reason"}),
		genStoreErrors: prometheus.NewCounter(opts("genstore_errors_total", "Generation store errors.")),
	}
	for _, c := range []prometheus.Collector{
		h.fetchFailed, h.staleDropped, h.conflicts, h.mutations,
		h.signalDeferred, h.streamErrors, h.spillRejected, h.genStoreErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) FetchFailed(_, op string, _ error)   { h.fetchFailed.WithLabelValues(op).Inc() }
func (h *Hooks) StaleResponseDropped(_, op string)   { h.staleDropped.WithLabelValues(op).Inc() }
func (h *Hooks) ConflictResolved(string, int)        { h.conflicts.Inc() }
func (h *Hooks) SignalDeferred(entityType, _ string) { h.signalDeferred.WithLabelValues(entityType).Inc() }
func (h *Hooks) StreamError(error)                   { h.streamErrors.Inc() }
func (h *Hooks) SpillRejected(_, reason string)      { h.spillRejected.WithLabelValues(reason).Inc() }
func (h *Hooks) GenStoreError(string, error)         { h.genStoreErrors.Inc() }
func (h *Hooks) MutationCommitted(_, action string, _ int) {
	h.mutations.WithLabelValues(action, "committed").Inc()
}
func (h *Hooks) MutationRolledBack(_, action string, _ error) {
	h.mutations.WithLabelValues(action, "rolled_back").Inc()
}
