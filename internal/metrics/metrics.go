// Package metrics exposes settlement, keeper and HTTP activity as Prometheus
// series.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/forecastpool/internal/domain"
	"github.com/alanyoungcy/forecastpool/internal/settlement"
	"github.com/alanyoungcy/forecastpool/internal/units"
)

const namespace = "forecastpool"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry
	decimals int32

	roundsStarted     prometheus.Counter
	wagersPlaced      *prometheus.CounterVec
	stakedVolume      *prometheus.CounterVec
	roundsResolved    *prometheus.CounterVec
	roundsDistributed prometheus.Counter
	rewardsClaimed    prometheus.Counter
	rewardVolume      prometheus.Counter
	transferFailures  *prometheus.CounterVec
	feesWithdrawn     prometheus.Counter

	keeperRuns   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every series. Volumes are reported in whole units of an
// asset with the given number of decimals.
func New(decimals int32) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		decimals: decimals,
		roundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_started_total",
			Help: "Rounds opened.",
		}),
		wagersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "wagers_placed_total",
			Help: "Wagers accepted, by side.",
		}, []string{"side"}),
		stakedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "staked_volume_total",
			Help: "Staked amount in whole units, by side.",
		}, []string{"side"}),
		roundsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_resolved_total",
			Help: "Rounds resolved, by forecast verdict.",
		}, []string{"verdict"}),
		roundsDistributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_distributed_total",
			Help: "Rounds finalized by the distribution sweep.",
		}),
		rewardsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rewards_claimed_total",
			Help: "Successful reward claims.",
		}),
		rewardVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reward_volume_total",
			Help: "Paid out rewards in whole units.",
		}),
		transferFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfer_failures_total",
			Help: "Failed outbound transfers, by ledger kind.",
		}, []string{"kind"}),
		feesWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fees_withdrawn_total",
			Help: "Withdrawn free balance in whole units.",
		}),
		keeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "keeper_runs_total",
			Help: "Keeper task executions, by task and outcome.",
		}, []string{"task", "outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.roundsStarted, m.wagersPlaced, m.stakedVolume, m.roundsResolved,
		m.roundsDistributed, m.rewardsClaimed, m.rewardVolume, m.transferFailures,
		m.feesWithdrawn, m.keeperRuns, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RoundStarted() { m.roundsStarted.Inc() }

func (m *Metrics) WagerPlaced(side domain.Side, amount *uint256.Int) {
	m.wagersPlaced.WithLabelValues(string(side)).Inc()
	m.stakedVolume.WithLabelValues(string(side)).Add(units.Float(amount, m.decimals))
}

func (m *Metrics) RoundResolved(correct bool) {
	verdict := "incorrect"
	if correct {
		verdict = "correct"
	}
	m.roundsResolved.WithLabelValues(verdict).Inc()
}

func (m *Metrics) RoundsDistributed(n int) { m.roundsDistributed.Add(float64(n)) }

func (m *Metrics) RewardClaimed(amount *uint256.Int) {
	m.rewardsClaimed.Inc()
	m.rewardVolume.Add(units.Float(amount, m.decimals))
}

func (m *Metrics) TransferFailed(kind domain.LedgerKind) {
	m.transferFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) FeesWithdrawn(amount *uint256.Int) {
	m.feesWithdrawn.Add(units.Float(amount, m.decimals))
}

// KeeperRun counts one execution of a keeper task.
func (m *Metrics) KeeperRun(task string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.keeperRuns.WithLabelValues(task, outcome).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

var _ settlement.Metrics = (*Metrics)(nil)
