package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestration activity.
type Metrics struct {
	stageDuration  *prometheus.HistogramVec
	stageFailures  *prometheus.CounterVec
	gatewayRetries *prometheus.CounterVec
	roundsTotal    prometheus.Counter
	keepalives     prometheus.Counter
	requestsActive prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created once to avoid
// duplicate-registration panics when handlers are built per request.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance with the provided registerer.
// Supply a fresh registry in tests that need unique metric names. A
// registration error other than AlreadyRegistered panics, surfacing
// configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "collab",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each orchestration stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collab",
			Subsystem: "orchestrator",
			Name:      "stage_failures_total",
			Help:      "Stage executions that terminated a stream with an error.",
		},
		[]string{"stage"},
	)
	gatewayRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collab",
			Subsystem: "gateway",
			Name:      "invoke_retries_total",
			Help:      "Unary gateway attempts beyond the first, per agent.",
		},
		[]string{"agent"},
	)
	roundsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collab",
			Subsystem: "orchestrator",
			Name:      "manager_rounds_total",
			Help:      "Manager-delegation rounds executed.",
		},
	)
	keepalives := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collab",
			Subsystem: "orchestrator",
			Name:      "keepalives_total",
			Help:      "Keepalive events emitted while remote calls were outstanding.",
		},
	)
	requestsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collab",
			Subsystem: "orchestrator",
			Name:      "requests_active",
			Help:      "Orchestration requests currently streaming.",
		},
	)

	collectors := []prometheus.Collector{
		stageDuration, stageFailures, gatewayRetries, roundsTotal, keepalives, requestsActive,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case stageDuration:
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case stageFailures:
					stageFailures = already.ExistingCollector.(*prometheus.CounterVec)
				case gatewayRetries:
					gatewayRetries = already.ExistingCollector.(*prometheus.CounterVec)
				case roundsTotal:
					roundsTotal = already.ExistingCollector.(prometheus.Counter)
				case keepalives:
					keepalives = already.ExistingCollector.(prometheus.Counter)
				case requestsActive:
					requestsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration:  stageDuration,
		stageFailures:  stageFailures,
		gatewayRetries: gatewayRetries,
		roundsTotal:    roundsTotal,
		keepalives:     keepalives,
		requestsActive: requestsActive,
	}
}

// ObserveStageDuration records time spent in a stage with a status label.
func (m *Metrics) ObserveStageDuration(stage, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncStageFailure counts a stream-terminating failure in a stage.
func (m *Metrics) IncStageFailure(stage string) {
	if m == nil || m.stageFailures == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage).Inc()
}

// IncGatewayRetry counts a unary gateway attempt beyond the first.
func (m *Metrics) IncGatewayRetry(agent string) {
	if m == nil || m.gatewayRetries == nil {
		return
	}
	m.gatewayRetries.WithLabelValues(agent).Inc()
}

// IncRound counts one manager-delegation round.
func (m *Metrics) IncRound() {
	if m == nil || m.roundsTotal == nil {
		return
	}
	m.roundsTotal.Inc()
}

// IncKeepalive counts one keepalive emission.
func (m *Metrics) IncKeepalive() {
	if m == nil || m.keepalives == nil {
		return
	}
	m.keepalives.Inc()
}

// IncActiveRequests marks a request stream as open.
func (m *Metrics) IncActiveRequests() {
	if m == nil || m.requestsActive == nil {
		return
	}
	m.requestsActive.Inc()
}

// DecActiveRequests marks a request stream as closed.
func (m *Metrics) DecActiveRequests() {
	if m == nil || m.requestsActive == nil {
		return
	}
	m.requestsActive.Dec()
}
