// Package metrics holds the Prometheus instruments warden updates while it
// reconciles endpoint firewall state.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all reconciler metrics.
type Registry struct {
	reg *prometheus.Registry

	// Operation metrics
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Chain metrics
	RulesInserted    *prometheus.CounterVec
	RulesRemoved     *prometheus.CounterVec
	FixedPointPasses *prometheus.HistogramVec

	// IPSet metrics
	SetMembers      *prometheus.GaugeVec
	SetSwaps        *prometheus.CounterVec
	InvalidACLRules *prometheus.CounterVec

	// Discovery metrics
	Orphans *prometheus.GaugeVec

	LastSuccess *prometheus.GaugeVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New()
	})
	return registry
}

// New creates a registry backed by its own prometheus.Registry, so tests
// and dry runs never collide with the global one.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	factory := promauto.With(r.reg)

	r.Operations = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_operations_total",
		Help: "Reconciler operations by kind, family and result",
	}, []string{"op", "family", "result"})

	r.OperationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_operation_duration_seconds",
		Help:    "Wall time of reconciler operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "family"})

	r.RulesInserted = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_rules_inserted_total",
		Help: "Rules inserted, by chain kind",
	}, []string{"family", "chain"})

	r.RulesRemoved = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_rules_removed_total",
		Help: "Rules removed, by chain kind",
	}, []string{"family", "chain"})

	r.FixedPointPasses = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_fixed_point_passes",
		Help:    "Rescan passes needed before a removal loop stopped changing the chain",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	}, []string{"family", "chain"})

	r.SetMembers = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_ipset_members",
		Help: "Members published into a permanent ipset by the last sync",
	}, []string{"set"})

	r.SetSwaps = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_ipset_swaps_total",
		Help: "Staged ipset swaps",
	}, []string{"family", "direction"})

	r.InvalidACLRules = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_invalid_acl_rules_total",
		Help: "ACL rules skipped because they could not be encoded",
	}, []string{"family", "direction", "reason"})

	r.Orphans = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_discovered_endpoints",
		Help: "Endpoints with firewall artifacts found by the last discovery",
	}, []string{"family"})

	r.LastSuccess = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_last_success_timestamp_seconds",
		Help: "Unix time of the last successful operation",
	}, []string{"op"})

	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordOperation records the outcome and duration of one operation that
// finished at the given time.
func (r *Registry) RecordOperation(op, family string, elapsed time.Duration, finished time.Time, err error) {
	r.Operations.WithLabelValues(op, family, resultString(err)).Inc()
	r.OperationDuration.WithLabelValues(op, family).Observe(elapsed.Seconds())
	if err == nil {
		r.LastSuccess.WithLabelValues(op).Set(float64(finished.Unix()))
	}
}

// RecordRemoval records a fixed-point removal loop.
func (r *Registry) RecordRemoval(family, chain string, removed, passes int) {
	if removed > 0 {
		r.RulesRemoved.WithLabelValues(family, chain).Add(float64(removed))
	}
	r.FixedPointPasses.WithLabelValues(family, chain).Observe(float64(passes))
}

// RecordSwap records a staged publish into a permanent set.
func (r *Registry) RecordSwap(family, direction, set string, members int) {
	r.SetSwaps.WithLabelValues(family, direction).Inc()
	r.SetMembers.WithLabelValues(set).Set(float64(members))
}

// WriteTextfile writes every metric to path in the node-exporter textfile
// format.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

func resultString(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
