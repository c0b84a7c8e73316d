// Package metrics exposes the agent's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ronaldslwong/copyrust-sub000/internal/blockhash"
	"github.com/ronaldslwong/copyrust-sub000/internal/correlation"
	"github.com/ronaldslwong/copyrust-sub000/internal/dispatch"
	"github.com/ronaldslwong/copyrust-sub000/internal/landing"
	"github.com/ronaldslwong/copyrust-sub000/internal/race"
)

const DefaultNamespace = "copyrust"

var latencyBuckets = []float64{.005, .01, .025, .05, .1, .15, .2, .3, .5, 1, 2.5}

// Metrics holds every collector of one registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	factory   promauto.Factory

	// Race metrics
	RacesTotal     *prometheus.CounterVec
	RaceWallTime   prometheus.Histogram
	SinceDetection prometheus.Histogram
	VendorLatency  *prometheus.HistogramVec
	VendorOutcomes *prometheus.CounterVec
	VendorWins     *prometheus.CounterVec

	// Store metrics
	PurgeRemoved    prometheus.Counter
	EmergencyClears prometheus.Counter
}

// New creates metrics on a fresh registry that also carries the Go and
// process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		namespace: namespace,
		registry:  reg,
		factory:   f,

		RacesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "race",
			Name:      "total",
			Help:      "Races run by protocol tag and result",
		}, []string{"tag", "result"}),
		RaceWallTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "race",
			Name:      "wall_time_seconds",
			Help:      "Time from first send to last vendor answer",
			Buckets:   latencyBuckets,
		}),
		SinceDetection: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "race",
			Name:      "since_detection_seconds",
			Help:      "Time from detection to race end",
			Buckets:   latencyBuckets,
		}),
		VendorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vendor",
			Name:      "send_latency_seconds",
			Help:      "Per vendor send latency",
			Buckets:   latencyBuckets,
		}, []string{"vendor"}),
		VendorOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vendor",
			Name:      "sends_total",
			Help:      "Vendor sends by result",
		}, []string{"vendor", "result"}),
		VendorWins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vendor",
			Name:      "wins_total",
			Help:      "Races won per vendor",
		}, []string{"vendor"}),

		PurgeRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "purged_total",
			Help:      "Entries removed by the purge worker",
		}),
		EmergencyClears: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "emergency_clears_total",
			Help:      "Times the store was cleared for exceeding its size ceiling",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRace records one finished race. It satisfies race.Sink.
func (m *Metrics) ObserveRace(_ context.Context, r *race.Result) {
	result := "lost"
	if w, ok := r.Winner(); ok {
		result = "won"
		m.VendorWins.WithLabelValues(w.Vendor).Inc()
	}
	m.RacesTotal.WithLabelValues(r.Tag, result).Inc()
	m.RaceWallTime.Observe(r.WallTime.Seconds())
	if r.SinceDetection > 0 {
		m.SinceDetection.Observe(r.SinceDetection.Seconds())
	}

	for _, o := range r.Outcomes {
		status := "success"
		if !o.OK() {
			status = "failure"
		}
		m.VendorOutcomes.WithLabelValues(o.Vendor, status).Inc()
		m.VendorLatency.WithLabelValues(o.Vendor).Observe(o.Elapsed.Seconds())
	}
}

// ObservePurge records one purge pass. Wire it as correlation.Config.OnPurge.
func (m *Metrics) ObservePurge(res correlation.PurgeResult) {
	m.PurgeRemoved.Add(float64(res.Removed))
	if res.Emergency {
		m.EmergencyClears.Inc()
	}
}

// RegisterStore exposes the live store size.
func (m *Metrics) RegisterStore(s *correlation.Store) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "store",
		Name:      "entries",
		Help:      "Keys currently held by the correlation store",
	}, func() float64 { return float64(s.Len()) })
}

// RegisterDispatch exposes the dispatch pool counters.
func (m *Metrics) RegisterDispatch(counters func() dispatch.Counters) {
	fields := map[string]func(dispatch.Counters) uint64{
		"received":  func(c dispatch.Counters) uint64 { return c.Received },
		"matched":   func(c dispatch.Counters) uint64 { return c.Matched },
		"built":     func(c dispatch.Counters) uint64 { return c.Built },
		"inserted":  func(c dispatch.Counters) uint64 { return c.Inserted },
		"skipped":   func(c dispatch.Counters) uint64 { return c.Skipped },
		"rejected":  func(c dispatch.Counters) uint64 { return c.Rejected },
		"errors":    func(c dispatch.Counters) uint64 { return c.Errors },
		"panics":    func(c dispatch.Counters) uint64 { return c.Panics },
		"dropped":   func(c dispatch.Counters) uint64 { return c.Dropped },
		"raced":     func(c dispatch.Counters) uint64 { return c.Raced },
		"race_wins": func(c dispatch.Counters) uint64 { return c.RaceWins },
	}
	for name, get := range fields {
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: "dispatch",
			Name:      name + "_total",
			Help:      "Dispatch pool " + name + " count",
		}, func() float64 { return float64(get(counters())) })
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "dispatch",
		Name:      "queued",
		Help:      "Events waiting in the dispatch queue",
	}, func() float64 { return float64(counters().Queued) })
}

// RegisterLanding exposes the landing worker counters.
func (m *Metrics) RegisterLanding(counters func() landing.Counters) {
	fields := map[string]func(landing.Counters) uint64{
		"received":      func(c landing.Counters) uint64 { return c.Received },
		"duplicates":    func(c landing.Counters) uint64 { return c.Duplicates },
		"unmatched":     func(c landing.Counters) uint64 { return c.Unmatched },
		"matched":       func(c landing.Counters) uint64 { return c.Matched },
		"sells":         func(c landing.Counters) uint64 { return c.Sells },
		"sell_failures": func(c landing.Counters) uint64 { return c.SellFailures },
		"abandoned":     func(c landing.Counters) uint64 { return c.Abandoned },
		"skipped":       func(c landing.Counters) uint64 { return c.Skipped },
		"dropped":       func(c landing.Counters) uint64 { return c.Dropped },
	}
	for name, get := range fields {
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: "landing",
			Name:      name + "_total",
			Help:      "Landing worker " + name + " count",
		}, func() float64 { return float64(get(counters())) })
	}
}

// RegisterBlockhash exposes the age of the cached blockhash.
func (m *Metrics) RegisterBlockhash(c *blockhash.Cache) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "blockhash",
		Name:      "age_seconds",
		Help:      "Age of the cached blockhash, -1 before the first fetch",
	}, func() float64 {
		ref, err := c.Latest()
		if err != nil {
			return -1
		}
		return ref.Age(time.Now()).Seconds()
	})
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "blockhash",
		Name:      "refresh_failures_total",
		Help:      "Failed blockhash refreshes",
	}, func() float64 { return float64(c.Failures()) })
}
