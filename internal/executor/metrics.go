package executor

import (
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ExecutorMetrics is a point-in-time snapshot of what an executor has done.
type ExecutorMetrics struct {
	ChainsExecuted  int
	StepsExecuted   int
	StepsReused     int
	StepsFailed     int
	Clarifications  int
	PlanningRounds  int
	TotalDuration   time.Duration
	LongestStepTime time.Duration
}

// Metrics records executor and planner activity both as Prometheus series
// and as an in-process snapshot. It is safe for concurrent use.
type Metrics struct {
	steps    *prometheus.CounterVec
	chains   *prometheus.HistogramVec
	rounds   *prometheus.CounterVec
	stepTime *prometheus.HistogramVec

	mu       sync.Mutex // Protects snapshot
	snapshot ExecutorMetrics
}

// NewMetrics registers the executor series with reg. A nil reg registers
// into a private registry, which keeps repeated construction in tests from
// colliding with the process-wide default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dragonscale",
			Subsystem: "chain",
			Name:      "steps_total",
			Help:      "Chain steps by operation, next action and whether a planning-time outcome was reused.",
		}, []string{"operation", "next_action", "reused"}),
		stepTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dragonscale",
			Subsystem: "chain",
			Name:      "step_duration_seconds",
			Help:      "Wall-clock time of one executed chain step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		chains: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dragonscale",
			Subsystem: "chain",
			Name:      "duration_seconds",
			Help:      "Wall-clock time of a whole chain by final status.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),
		rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dragonscale",
			Subsystem: "planner",
			Name:      "rounds_total",
			Help:      "Planning rounds by the decision taken at the end of the round.",
		}, []string{"decision"}),
	}
}

// RecordStep counts one chain step.
func (m *Metrics) RecordStep(operation string, action dragonscale.NextAction, reused bool, d time.Duration) {
	reusedLabel := "false"
	if reused {
		reusedLabel = "true"
	}
	m.steps.WithLabelValues(operation, string(action), reusedLabel).Inc()
	if !reused {
		m.stepTime.WithLabelValues(operation).Observe(d.Seconds())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.StepsExecuted++
	if reused {
		m.snapshot.StepsReused++
	}
	switch action {
	case dragonscale.NextActionError:
		m.snapshot.StepsFailed++
	case dragonscale.NextActionClarificationNeeded:
		m.snapshot.Clarifications++
	}
	if d > m.snapshot.LongestStepTime {
		m.snapshot.LongestStepTime = d
	}
}

// RecordChain observes one finished chain.
func (m *Metrics) RecordChain(status string, d time.Duration) {
	m.chains.WithLabelValues(status).Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.ChainsExecuted++
	m.snapshot.TotalDuration += d
}

// RecordRound counts one planning round; it satisfies planner.RoundRecorder.
func (m *Metrics) RecordRound(decision string) {
	m.rounds.WithLabelValues(decision).Inc()

	m.mu.Lock()
	m.snapshot.PlanningRounds++
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}
