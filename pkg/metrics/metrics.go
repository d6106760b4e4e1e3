package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var Module = fx.Module("metrics",
	fx.Provide(func() *Emitter { return New(prometheus.DefaultRegisterer) }),
)

// Emitter records licensing decisions. Every method is safe on a nil
// receiver and never blocks the caller.
type Emitter struct {
	validations        *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	usagePercentage    *prometheus.HistogramVec
	limitExceeded      *prometheus.CounterVec
	limitWarnings      *prometheus.CounterVec
	batchGroups        *prometheus.CounterVec
	batchDuration      prometheus.Histogram
	queueSize          prometheus.Gauge
}

func New(reg prometheus.Registerer) *Emitter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Emitter{
		validations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "license_validations_total",
			Help: "Module access decisions by outcome",
		}, []string{"module", "outcome"})),
		validationDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "license_validation_duration_seconds",
			Help:    "Latency of module access decisions",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"module"})),
		usagePercentage: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "license_usage_percentage",
			Help:    "Usage as a percentage of the module limit after each applied increment",
			Buckets: []float64{10, 25, 50, 75, 80, 90, 95, 100},
		}, []string{"module", "usage_type"})),
		limitExceeded: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "license_limit_exceeded_total",
			Help: "Usage increments blocked by a module limit",
		}, []string{"module", "usage_type"})),
		limitWarnings: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "license_limit_warnings_total",
			Help: "Warning threshold crossings",
		}, []string{"module", "usage_type"})),
		batchGroups: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "license_usage_batch_groups_total",
			Help: "Coalesced usage groups applied by batch flushes",
		}, []string{"result"})),
		batchDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "license_usage_batch_flush_duration_seconds",
			Help:    "Duration of usage batch flushes",
			Buckets: prometheus.DefBuckets,
		})),
		queueSize: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "license_usage_batch_queue_size",
			Help: "Pending usage increments waiting for the next flush",
		})),
	}
}

// register returns the already registered collector when the same metric
// was registered by an earlier Emitter.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (e *Emitter) ObserveValidation(module, outcome string, d time.Duration) {
	if e == nil {
		return
	}
	e.validations.WithLabelValues(module, outcome).Inc()
	e.validationDuration.WithLabelValues(module).Observe(d.Seconds())
}

func (e *Emitter) ObserveUsagePercentage(module, usageType string, pct float64) {
	if e == nil {
		return
	}
	e.usagePercentage.WithLabelValues(module, usageType).Observe(pct)
}

func (e *Emitter) IncLimitExceeded(module, usageType string) {
	if e == nil {
		return
	}
	e.limitExceeded.WithLabelValues(module, usageType).Inc()
}

func (e *Emitter) IncLimitWarning(module, usageType string) {
	if e == nil {
		return
	}
	e.limitWarnings.WithLabelValues(module, usageType).Inc()
}

func (e *Emitter) ObserveBatch(processed, failed int, d time.Duration) {
	if e == nil {
		return
	}
	e.batchGroups.WithLabelValues("processed").Add(float64(processed))
	e.batchGroups.WithLabelValues("failed").Add(float64(failed))
	e.batchDuration.Observe(d.Seconds())
}

func (e *Emitter) SetQueueSize(n int) {
	if e == nil {
		return
	}
	e.queueSize.Set(float64(n))
}
