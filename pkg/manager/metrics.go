package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/call_core/pkg/transfer"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "call_core",
		Subsystem: "manager",
		Name:      "sessions_total",
		Help:      "Total number of sessions initialized",
	}, []string{"direction"})

	sessionsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "call_core",
		Subsystem: "manager",
		Name:      "sessions_registered",
		Help:      "Number of sessions currently held by the registry",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "call_core",
		Subsystem: "manager",
		Name:      "session_duration_seconds",
		Help:      "Duration of established sessions in seconds",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "call_core",
		Subsystem: "manager",
		Name:      "state_transitions_total",
		Help:      "Total number of state machine transitions",
	}, []string{"entity", "from", "to"})

	incomingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "call_core",
		Subsystem: "manager",
		Name:      "incoming_decisions_total",
		Help:      "Outcomes of queued incoming requests",
	}, []string{"kind", "decision"})

	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "call_core",
		Subsystem: "manager",
		Name:      "transfers_total",
		Help:      "Total number of file transfers initialized",
	}, []string{"direction"})

	transferOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "call_core",
		Subsystem: "manager",
		Name:      "transfer_outcomes_total",
		Help:      "Terminal outcomes of file transfers",
	}, []string{"outcome"})

	transferBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "call_core",
		Subsystem: "manager",
		Name:      "transfer_bytes_total",
		Help:      "Total bytes moved by finished file transfers",
	})

	ringtoneSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "call_core",
		Subsystem: "manager",
		Name:      "ringtone_switches_total",
		Help:      "Number of ringtone arbitration outcome changes",
	})
)

// observeSessionDuration фиксирует длительность завершившегося разговора.
// Сессии, так и не достигшие connected, длительности не имеют.
func observeSessionDuration(d time.Duration) {
	if d > 0 {
		sessionDuration.Observe(d.Seconds())
	}
}

// observeTransition фиксирует переход конечного автомата подопечного.
func observeTransition(entity, from, to string) {
	stateTransitions.WithLabelValues(entity, from, to).Inc()
}

// observeDecision фиксирует исход запроса из очереди входящих.
func observeDecision(kind string, d Decision) {
	incomingDecisions.WithLabelValues(kind, string(d)).Inc()
}

// observeTransferEnd фиксирует терминальный исход передачи файла.
func observeTransferEnd(rec transfer.Record) {
	outcome := "completed"
	if rec.Failed {
		outcome = "failed"
	}
	transferOutcomes.WithLabelValues(outcome).Inc()
	transferBytes.Add(float64(rec.Bytes))
}
