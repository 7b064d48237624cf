package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registry's Prometheus collectors.
type Metrics struct {
	Registrations     prometheus.Counter
	Destructions      prometheus.Counter
	OperationFailures *prometheus.CounterVec
	OperationLatency  *prometheus.HistogramVec
	StakeLocked       prometheus.Gauge
	LiveNames         prometheus.Gauge
	PayoutsQueued     prometheus.Counter
	PayoutsSettled    prometheus.Counter
	PayoutFailures    prometheus.Counter
	StrandedFunds     *prometheus.CounterVec
	Inconsistencies   prometheus.Counter
}

// New registers every collector with reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registrations: f.NewCounter(prometheus.CounterOpts{
			Name: "namereg_registrations_total",
			Help: "Names registered",
		}),
		Destructions: f.NewCounter(prometheus.CounterOpts{
			Name: "namereg_destructions_total",
			Help: "Names destroyed",
		}),
		OperationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "namereg_operation_failures_total",
			Help: "Failed registry operations by operation and error code",
		}, []string{"operation", "code"}),
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "namereg_operation_duration_ms",
			Help:    "Registry operation latency in milliseconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"operation"}),
		StakeLocked: f.NewGauge(prometheus.GaugeOpts{
			Name: "namereg_stake_locked_units",
			Help: "Collateral currently locked in escrow",
		}),
		LiveNames: f.NewGauge(prometheus.GaugeOpts{
			Name: "namereg_live_names",
			Help: "Currently registered names",
		}),
		PayoutsQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "namereg_payouts_queued_total",
			Help: "Stake releases credited to a pending withdrawal",
		}),
		PayoutsSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "namereg_payouts_settled_total",
			Help: "Pending withdrawals paid out",
		}),
		PayoutFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "namereg_payout_failures_total",
			Help: "Payout attempts rejected by the token",
		}),
		StrandedFunds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "namereg_stranded_funds_units_total",
			Help: "Token units moved by an aborted operation that could not be returned",
		}, []string{"reason"}),
		Inconsistencies: f.NewCounter(prometheus.CounterOpts{
			Name: "namereg_inconsistencies_total",
			Help: "Identifiers found violating the name/certificate/stake invariant",
		}),
	}
}

// The helpers below accept a nil receiver so services can run without metrics.

func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationLatency.WithLabelValues(operation).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
}

func (m *Metrics) IncrementFailure(operation, code string) {
	if m == nil {
		return
	}
	m.OperationFailures.WithLabelValues(operation, code).Inc()
}

func (m *Metrics) IncrementRegistrations(stake uint64) {
	if m == nil {
		return
	}
	m.Registrations.Inc()
	m.LiveNames.Inc()
	m.StakeLocked.Add(float64(stake))
}

func (m *Metrics) IncrementDestructions(stake uint64) {
	if m == nil {
		return
	}
	m.Destructions.Inc()
	m.LiveNames.Dec()
	m.StakeLocked.Sub(float64(stake))
}

func (m *Metrics) IncrementPayoutsQueued() {
	if m == nil {
		return
	}
	m.PayoutsQueued.Inc()
}

func (m *Metrics) IncrementPayoutsSettled() {
	if m == nil {
		return
	}
	m.PayoutsSettled.Inc()
}

func (m *Metrics) IncrementPayoutFailures() {
	if m == nil {
		return
	}
	m.PayoutFailures.Inc()
}

func (m *Metrics) AddStrandedFunds(reason string, amount uint64) {
	if m == nil {
		return
	}
	m.StrandedFunds.WithLabelValues(reason).Add(float64(amount))
}

func (m *Metrics) AddInconsistencies(n int) {
	if m == nil {
		return
	}
	m.Inconsistencies.Add(float64(n))
}

// SetGauges resets the level gauges from authoritative counts, e.g. at startup.
func (m *Metrics) SetGauges(liveNames int64, stakeLocked uint64) {
	if m == nil {
		return
	}
	m.LiveNames.Set(float64(liveNames))
	m.StakeLocked.Set(float64(stakeLocked))
}
