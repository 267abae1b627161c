// Package metrics registers the Prometheus collectors of the filtering
// pipeline. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "noeu"

const (
	subsystemLookup  = "lookup"
	subsystemHarvest = "harvest"
	subsystemFilter  = "filter"
	subsystemCache   = "cache"
)

// Lookup outcomes.
const (
	OutcomeFound       = "found"
	OutcomeNotFound    = "not_found"
	OutcomeRateLimited = "rate_limited"
	OutcomeTimeout     = "timeout"
	OutcomeSkipped     = "skipped"
)

// Passive fact kinds.
const (
	FactLocation  = "location"
	FactFollowing = "following"
)

// Metrics is the set of pipeline collectors.
type Metrics struct {
	lookups       *prometheus.CounterVec
	lookupDelay   prometheus.Gauge
	queueLength   prometheus.Gauge
	passiveFacts  *prometheus.CounterVec
	postsFiltered prometheus.Counter
	postsChecked  prometheus.Counter
	cacheEntries  prometheus.Gauge
}

// New registers the pipeline collectors in reg.
func New(reg prometheus.Registerer) (m *Metrics, err error) {
	m = &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "total",
			Namespace: namespace,
			Subsystem: subsystemLookup,
			Help:      "The total number of active location lookups by outcome.",
		}, []string{"outcome"}),
		lookupDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      "delay_seconds",
			Namespace: namespace,
			Subsystem: subsystemLookup,
			Help:      "The current delay between two active lookups.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      "queue_length",
			Namespace: namespace,
			Subsystem: subsystemLookup,
			Help:      "The number of lookups waiting in the queue.",
		}),
		passiveFacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "facts_total",
			Namespace: namespace,
			Subsystem: subsystemHarvest,
			Help:      "The total number of new facts harvested from page traffic.",
		}, []string{"kind"}),
		postsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "posts_filtered_total",
			Namespace: namespace,
			Subsystem: subsystemFilter,
			Help:      "The total number of posts hidden.",
		}),
		postsChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "accounts_checked_total",
			Namespace: namespace,
			Subsystem: subsystemFilter,
			Help:      "The total number of accounts resolved by an active lookup.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      "entries",
			Namespace: namespace,
			Subsystem: subsystemCache,
			Help:      "The number of entries in the location cache.",
		}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{
		m.lookups,
		m.lookupDelay,
		m.queueLength,
		m.passiveFacts,
		m.postsFiltered,
		m.postsChecked,
		m.cacheEntries,
	} {
		if err = reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err = errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	return m, nil
}

// ObserveLookup counts one active lookup with the given outcome.
func (m *Metrics) ObserveLookup(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

// SetLookupDelay records the current inter-request delay in seconds.
func (m *Metrics) SetLookupDelay(seconds float64) {
	if m == nil {
		return
	}
	m.lookupDelay.Set(seconds)
}

// SetQueueLength records the number of queued lookups.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

// ObserveFact counts one newly harvested fact of the given kind.
func (m *Metrics) ObserveFact(kind string) {
	if m == nil {
		return
	}
	m.passiveFacts.WithLabelValues(kind).Inc()
}

// IncFiltered counts one hidden post.
func (m *Metrics) IncFiltered() {
	if m == nil {
		return
	}
	m.postsFiltered.Inc()
}

// IncChecked counts one account resolved by an active lookup.
func (m *Metrics) IncChecked() {
	if m == nil {
		return
	}
	m.postsChecked.Inc()
}

// SetCacheEntries records the size of the location cache.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}
