// Package metrics exports transaction counters and timings through
// Prometheus.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "txfs"

var (
	enabled         bool
	enabledMutex    sync.RWMutex
	defaultRegistry *Registry
)

// Init enables metrics and replaces the default registry.
func Init() {
	enabledMutex.Lock()
	defer enabledMutex.Unlock()
	enabled = true
	defaultRegistry = NewRegistry()
}

// Enabled returns true if metrics are enabled.
func Enabled() bool {
	enabledMutex.RLock()
	defer enabledMutex.RUnlock()
	return enabled
}

// Default returns the default metrics registry, creating it on first use.
func Default() *Registry {
	enabledMutex.RLock()
	r := defaultRegistry
	enabledMutex.RUnlock()
	if r != nil {
		return r
	}
	enabledMutex.Lock()
	defer enabledMutex.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
	return defaultRegistry
}

// Registry holds all transaction metrics on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	created        *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	forks          *prometheus.CounterVec
	commitDuration prometheus.Histogram
	fileOps        *prometheus.CounterVec
}

// NewRegistry creates a registry with every collector registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_created_total",
			Help:      "Transactions created, by kind (top_level or dependent).",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_finished_total",
			Help:      "Transactions finished, by outcome.",
		}, []string{"outcome"}),
		forks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forks_total",
			Help:      "Forked dependent tasks, by result.",
		}, []string{"result"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time spent in Complete, including waits for dependents.",
			Buckets:   prometheus.DefBuckets,
		}),
		fileOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_operations_total",
			Help:      "Transacted filesystem operations, by operation and result.",
		}, []string{"op", "result"}),
	}
	r.reg.MustRegister(r.created, r.outcomes, r.forks, r.commitDuration, r.fileOps)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// WriteText writes every metric in the Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	mfs, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}

// RecordCreated counts a new transaction.
func (r *Registry) RecordCreated(topLevel bool) {
	kind := "dependent"
	if topLevel {
		kind = "top_level"
	}
	r.created.WithLabelValues(kind).Inc()
}

// RecordOutcome counts a finished transaction. Outcome is one of
// "committed", "aborted" or "in_doubt".
func (r *Registry) RecordOutcome(outcome string) {
	r.outcomes.WithLabelValues(outcome).Inc()
}

// RecordCommit observes the duration of a Complete call.
func (r *Registry) RecordCommit(duration time.Duration) {
	r.commitDuration.Observe(duration.Seconds())
}

// RecordFork counts a forked task once it finishes.
func (r *Registry) RecordFork(success bool) {
	r.forks.WithLabelValues(result(success)).Inc()
}

// RecordFileOp counts one transacted filesystem operation.
func (r *Registry) RecordFileOp(op string, success bool) {
	r.fileOps.WithLabelValues(op, result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
