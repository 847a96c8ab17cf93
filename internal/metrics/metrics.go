package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors of conductor. All methods are safe
// to call on a nil *Metrics and do nothing then.
type Metrics struct {
	// Accelerator arbitration
	AcceleratorHeld  prometheus.Gauge
	AcceleratorQueue prometheus.Gauge
	AcquireWait      *prometheus.HistogramVec

	// Step runs
	StepRuns     *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	StepsActive  prometheus.Gauge

	// Sequences
	SequenceOutcomes *prometheus.CounterVec

	// Dispatcher
	Relaunches prometheus.Counter
}

// NewMetrics creates the collectors and registers them in registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		AcceleratorHeld: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_accelerator_held",
			Help: "1 while a step holds the accelerator",
		}),
		AcceleratorQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_accelerator_queue_length",
			Help: "Number of steps waiting for the accelerator",
		}),
		AcquireWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_accelerator_wait_seconds",
				Help:    "Time spent waiting for the accelerator",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"result"}, // granted, timeout, shutdown, canceled
		),
		StepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_step_runs_total",
				Help: "Finished step runs by final status",
			},
			[]string{"step", "status"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_step_duration_seconds",
				Help:    "Duration of step processes",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"step"},
		),
		StepsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_steps_active",
			Help: "Number of steps initiated, pending or running",
		}),
		SequenceOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_sequence_outcomes_total",
				Help: "Sequence runs by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		Relaunches: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_dispatch_relaunches_total",
			Help: "Steps relaunched by the dispatcher",
		}),
	}
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the instance registered in the prometheus default registry.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewRegistry creates an isolated registry, used by tests.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, NewMetrics(reg)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) SetHolder(held bool) {
	if m == nil {
		return
	}
	if held {
		m.AcceleratorHeld.Set(1)
	} else {
		m.AcceleratorHeld.Set(0)
	}
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.AcceleratorQueue.Set(float64(n))
}

func (m *Metrics) ObserveAcquire(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.AcquireWait.WithLabelValues(result).Observe(waited.Seconds())
}

func (m *Metrics) StepStarted() {
	if m == nil {
		return
	}
	m.StepsActive.Inc()
}

func (m *Metrics) StepFinished(step, status string, ran time.Duration) {
	if m == nil {
		return
	}
	m.StepsActive.Dec()
	m.StepRuns.WithLabelValues(step, status).Inc()
	if ran > 0 {
		m.StepDuration.WithLabelValues(step).Observe(ran.Seconds())
	}
}

func (m *Metrics) SequenceOutcome(kind, status string) {
	if m == nil {
		return
	}
	m.SequenceOutcomes.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) Relaunched() {
	if m == nil {
		return
	}
	m.Relaunches.Inc()
}
