package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsNamespace prefixes every runner metric.
const MetricsNamespace = "xscraper"

// Task outcome label values
const (
	OutcomeDone     = "done"
	OutcomeRetried  = "retried"
	OutcomeFailed   = "failed"
	OutcomeContinue = "continued"
)

// Metrics holds the runner's prometheus collectors.
type Metrics struct {
	LeasesAcquired   prometheus.Counter
	Tasks            *prometheus.CounterVec
	TaskRetries      prometheus.Counter
	ItemsCollected   prometheus.Counter
	ActiveWorkers    prometheus.Gauge
	AccountCooldowns *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests and metric-less runs use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LeasesAcquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "leases_acquired_total",
			Help:      "Account leases granted to runs",
		}),
		Tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "tasks_total",
			Help:      "Task attempts by outcome",
		}, []string{"outcome"}),
		TaskRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "task_retries_total",
			Help:      "Tasks re-enqueued after an upstream failure",
		}),
		ItemsCollected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "items_collected_total",
			Help:      "Unique items collected",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "active_workers",
			Help:      "Workers currently holding a lease",
		}),
		AccountCooldowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "account_cooldowns_total",
			Help:      "Accounts released with a cooldown, by reason",
		}, []string{"reason"}),
	}
}
