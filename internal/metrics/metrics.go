package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "runner_fleet"

// Metrics holds all Prometheus metrics for the fleet daemon.
type Metrics struct {
	// Scale-down cycle metrics
	CycleTotal    *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec

	// Eviction metrics
	EvictionDecisions *prometheus.CounterVec
	OwnerWalkErrors   *prometheus.CounterVec

	// Orphan metrics
	OrphansMarked    *prometheus.CounterVec
	OrphansConfirmed *prometheus.CounterVec
	OrphansCleared   *prometheus.CounterVec

	// Standby metrics
	StandbyEntered prometheus.Counter
	StandbyAgedOut prometheus.Counter

	// Admission metrics
	AdmissionRequests *prometheus.CounterVec
	CapacityRequested *prometheus.CounterVec
	CapacityCreated   *prometheus.CounterVec
	AdmissionErrors   *prometheus.CounterVec

	// Count cache metrics
	CountLookups *prometheus.CounterVec

	// System metrics
	DaemonInfo     *prometheus.GaugeVec
	LeaderElection prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		CycleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycle_total",
				Help:      "Total number of scale-down cycles",
			},
			[]string{"environment", "status"},
		),
		CycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of scale-down cycles",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"environment"},
		),
		EvictionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "eviction_decisions_total",
				Help:      "Eviction walk decisions by outcome",
			},
			[]string{"environment", "decision"},
		),
		OwnerWalkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "owner_walk_errors_total",
				Help:      "Owner walks aborted by a registry failure",
			},
			[]string{"environment"},
		),
		OrphansMarked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_marked_total",
				Help:      "Instances provisionally marked as orphans",
			},
			[]string{"environment"},
		),
		OrphansConfirmed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_confirmed_total",
				Help:      "Marked instances confirmed orphaned and terminated",
			},
			[]string{"environment"},
		),
		OrphansCleared: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_cleared_total",
				Help:      "Marked instances that turned out to be registered",
			},
			[]string{"environment"},
		),
		StandbyEntered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "standby_entered_total",
				Help:      "Idle runners diverted to the standby pool",
			},
		),
		StandbyAgedOut: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "standby_aged_out_total",
				Help:      "Standby instances terminated for exceeding max age",
			},
		),
		AdmissionRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_requests_total",
				Help:      "Batch admission requests by outcome",
			},
			[]string{"outcome"},
		),
		CapacityRequested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capacity_requested_total",
				Help:      "Instances requested from the fleet API",
			},
			[]string{"environment"},
		),
		CapacityCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capacity_created_total",
				Help:      "Instances the fleet API actually created",
			},
			[]string{"environment"},
		),
		AdmissionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_errors_total",
				Help:      "Admission failures by error kind",
			},
			[]string{"kind"},
		),
		CountLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "count_lookups_total",
				Help:      "Runner count lookups by serving tier",
			},
			[]string{"tier"},
		),
		DaemonInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "daemon_info",
				Help:      "Information about the fleet daemon",
			},
			[]string{"version"},
		),
		LeaderElection: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Leader election status (1 if leader, 0 otherwise)",
			},
		),
	}
}
