// Package metrics exposes Prometheus collectors for the bonus ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GrantsTotal counts credit/debit grants by transaction kind.
	GrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bonusledger_grants_total",
		Help: "Number of grant transactions posted, by kind.",
	}, []string{"kind"})

	// PointsGranted accumulates points credited via accruals.
	PointsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonusledger_points_granted_total",
		Help: "Total points credited by accrual transactions.",
	})

	// SpendsTotal counts purchase-spend debits.
	SpendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonusledger_spends_total",
		Help: "Number of purchase-spend debits posted.",
	})

	// PointsSpent accumulates points consumed by spends.
	PointsSpent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonusledger_points_spent_total",
		Help: "Total points debited by purchase spends.",
	})

	// SweepRuns counts expiration sweep executions.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonusledger_sweep_runs_total",
		Help: "Number of expiration sweeps executed.",
	})

	// PointsExpired accumulates points zeroed out by sweeps.
	PointsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonusledger_points_expired_total",
		Help: "Total points expired by sweeps.",
	})

	// SweepDuration observes how long a full sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bonusledger_sweep_duration_seconds",
		Help:    "Duration of expiration sweeps.",
		Buckets: prometheus.DefBuckets,
	})

	// AttributionsTotal counts referral attribution outcomes.
	AttributionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bonusledger_attributions_total",
		Help: "Referral attribution outcomes (applied, duplicate, capped, no_referrer, zero_bonus, error).",
	}, []string{"result"})
)

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
