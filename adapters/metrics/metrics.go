// Package metrics provides Prometheus metrics collection for trialgate.
package metrics

import (
	"strconv"
	"time"

	"github.com/artpar/trialgate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trialgate"

// Collector holds all Prometheus metrics for trialgate.
// A nil *Collector is valid; every recording method is then a no-op.
type Collector struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Metering metrics
	EventsTotal         *prometheus.CounterVec
	LimitWarnings       *prometheus.CounterVec
	InvariantViolations prometheus.Counter
	LockWait            prometheus.Histogram

	// Lifecycle metrics
	Transitions *prometheus.CounterVec
	Conversions *prometheus.CounterVec

	// Billing metrics
	BillingDuration *prometheus.HistogramVec

	// Maintenance metrics
	SweepRuns           *prometheus.CounterVec
	AppliedEventsPruned prometheus.Counter

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_events_total",
				Help:      "Usage events received, by result",
			},
			[]string{"result"},
		),
		LimitWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "limit_warnings_total",
				Help:      "Usage warning level crossings",
			},
			[]string{"level"},
		),
		InvariantViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invariant_violations_total",
				Help:      "Ledger audits that found counters out of step with the idempotency index",
			},
		),
		LockWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tenant_lock_wait_seconds",
				Help:      "Time spent waiting for a tenant lock",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),

		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Trial state transitions",
			},
			[]string{"from", "to", "reason"},
		),
		Conversions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversions_total",
				Help:      "Conversion attempts, by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		BillingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "billing_request_duration_seconds",
				Help:      "Billing provider call duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "outcome"},
		),

		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_total",
				Help:      "Background sweep runs, by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		AppliedEventsPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applied_events_pruned_total",
				Help:      "Idempotency rows deleted from archived periods",
			},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// Event results.
const (
	EventApplied   = "applied"
	EventDuplicate = "duplicate"
	EventRejected  = "rejected"
	EventFrozen    = "frozen"
	EventError     = "error"
)

// ObserveEvent counts one usage event by result.
func (c *Collector) ObserveEvent(result string) {
	if c == nil {
		return
	}
	c.EventsTotal.WithLabelValues(result).Inc()
}

// ObserveWarning counts a warning level crossing.
func (c *Collector) ObserveWarning(level string) {
	if c == nil {
		return
	}
	c.LimitWarnings.WithLabelValues(level).Inc()
}

// ObserveInvariantViolation counts a failed ledger audit.
func (c *Collector) ObserveInvariantViolation() {
	if c == nil {
		return
	}
	c.InvariantViolations.Inc()
}

// ObserveLockWait records how long a tenant lock took to acquire.
func (c *Collector) ObserveLockWait(d time.Duration) {
	if c == nil {
		return
	}
	c.LockWait.Observe(d.Seconds())
}

// ObserveTransition counts a state transition.
func (c *Collector) ObserveTransition(from, to, reason string) {
	if c == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	c.Transitions.WithLabelValues(from, to, reason).Inc()
}

// ObserveConversion counts a conversion attempt.
func (c *Collector) ObserveConversion(mode, outcome string) {
	if c == nil {
		return
	}
	c.Conversions.WithLabelValues(mode, outcome).Inc()
}

// ObserveBilling records a billing provider call.
func (c *Collector) ObserveBilling(provider, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.BillingDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// ObserveSweep counts a background sweep run.
func (c *Collector) ObserveSweep(job string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.SweepRuns.WithLabelValues(job, outcome).Inc()
}

// ObservePruned counts deleted idempotency rows.
func (c *Collector) ObservePruned(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.AppliedEventsPruned.Add(float64(n))
}

// ObserveConfigReload records a config reload attempt.
func (c *Collector) ObserveConfigReload(at time.Time, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.Set(float64(at.Unix()))
}

// ObserveRequest records one HTTP request. route is the matched route
// pattern, never the raw path.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

var _ ports.Metrics = (*Collector)(nil)
