package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "suiteline"

// Metrics holds the collectors of one suiteline process on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	// HeartbeatsTotal counts accepted heartbeats by reported state and returned directive
	HeartbeatsTotal *prometheus.CounterVec
	// StatusWriteFailures counts heartbeat status writes that failed and were swallowed
	StatusWriteFailures prometheus.Counter
	// TestsClaimedTotal counts tests handed out in batches
	TestsClaimedTotal prometheus.Counter
	// BatchClaimDuration observes the time spent inside the claim critical section
	BatchClaimDuration prometheus.Histogram
	// AgentsCrashedTotal counts agents confirmed stopped after a missed heartbeat
	AgentsCrashedTotal prometheus.Counter
	// ExecutionsFinalizedTotal counts terminal transitions by resulting status
	ExecutionsFinalizedTotal *prometheus.CounterVec
	// LiveAgents is the size of the in-memory liveness table
	LiveAgents prometheus.Gauge
	// SuspectedCrashes is the size of the crashed set awaiting a confirmed stop
	SuspectedCrashes prometheus.Gauge
	// ClaimLocks is the number of per-execution claim locks held in memory
	ClaimLocks prometheus.Gauge
	// JobRunsTotal counts scheduled job runs by job name and outcome
	JobRunsTotal *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		HeartbeatsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "received_total",
			Help:      "Total number of heartbeats received",
		}, []string{"state", "directive"}),
		StatusWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "status_write_failures_total",
			Help:      "Total number of agent status writes that failed during a heartbeat",
		}),
		TestsClaimedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tests_claimed_total",
			Help:      "Total number of tests assigned to agents",
		}),
		BatchClaimDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "claim_duration_seconds",
			Help:      "Time spent claiming one batch",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		AgentsCrashedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "agents_crashed_total",
			Help:      "Total number of agents recorded as crashed",
		}),
		ExecutionsFinalizedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "executions_finalized_total",
			Help:      "Total number of executions moved to a terminal status",
		}, []string{"status"}),
		LiveAgents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "live_agents",
			Help:      "Number of agents in the liveness table",
		}),
		SuspectedCrashes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "suspected_crashes",
			Help:      "Number of agents flagged as crashed and not yet confirmed stopped",
		}),
		ClaimLocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "claim_locks",
			Help:      "Number of per-execution claim locks in memory",
		}),
		JobRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total number of scheduled job runs",
		}, []string{"job", "result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
