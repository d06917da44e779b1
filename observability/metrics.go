package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics exposes Prometheus collectors for escrow engine activity.
type EscrowMetrics struct {
	funds           *prometheus.CounterVec
	releases        *prometheus.CounterVec
	refunds         *prometheus.CounterVec
	releaseFailures prometheus.Counter
	heldKobo        prometheus.Gauge
}

// LedgerMetrics exposes Prometheus collectors for ledger activity.
type LedgerMetrics struct {
	transactions *prometheus.CounterVec
}

// ProviderMetrics exposes Prometheus collectors for payment provider calls.
type ProviderMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// ReconMetrics exposes Prometheus collectors for reconciliation runs.
type ReconMetrics struct {
	runs      *prometheus.CounterVec
	anomalies *prometheus.CounterVec
}

var (
	escrowOnce sync.Once
	escrowReg  *EscrowMetrics

	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	providerOnce sync.Once
	providerReg  *ProviderMetrics

	reconOnce sync.Once
	reconReg  *ReconMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowReg = &EscrowMetrics{
			funds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payday",
				Subsystem: "escrow",
				Name:      "funds_total",
				Help:      "Total escrow funding attempts segmented by outcome.",
			}, []string{"outcome"}),
			releases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payday",
				Subsystem: "escrow",
				Name:      "releases_total",
				Help:      "Total escrow release attempts segmented by outcome.",
			}, []string{"outcome"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payday",
				Subsystem: "escrow",
				Name:      "refunds_total",
				Help:      "Total escrow refund attempts segmented by outcome.",
			}, []string{"outcome"}),
			releaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payday",
				Subsystem: "escrow",
				Name:      "release_failures_total",
				Help:      "Releases that failed after mutual confirmation and were logged for operator follow-up.",
			}),
			heldKobo: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "payday",
				Subsystem: "escrow",
				Name:      "held_kobo",
				Help:      "Sum of kobo currently committed to escrow holds.",
			}),
		}
		prometheus.MustRegister(
			escrowReg.funds,
			escrowReg.releases,
			escrowReg.refunds,
			escrowReg.releaseFailures,
			escrowReg.heldKobo,
		)
	})
	return escrowReg
}

// ObserveFund records the outcome of a funding attempt.
func (m *EscrowMetrics) ObserveFund(outcome string) {
	if m == nil {
		return
	}
	m.funds.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// ObserveRelease records the outcome of a release attempt.
func (m *EscrowMetrics) ObserveRelease(outcome string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// ObserveRefund records the outcome of a refund attempt.
func (m *EscrowMetrics) ObserveRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// ReleaseFailed counts a release that failed after mutual confirmation.
func (m *EscrowMetrics) ReleaseFailed() {
	if m == nil {
		return
	}
	m.releaseFailures.Inc()
}

// AddHeld moves the held-kobo gauge by delta.
func (m *EscrowMetrics) AddHeld(delta int64) {
	if m == nil {
		return
	}
	m.heldKobo.Add(float64(delta))
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payday",
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Ledger entries appended segmented by type and status.",
			}, []string{"type", "status"}),
		}
		prometheus.MustRegister(ledgerReg.transactions)
	})
	return ledgerReg
}

// ObserveTransaction counts an appended ledger entry.
func (m *LedgerMetrics) ObserveTransaction(txType, status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(strings.ToLower(txType), strings.ToLower(status)).Inc()
}

// Providers returns the lazily-initialised provider metrics registry.
func Providers() *ProviderMetrics {
	providerOnce.Do(func() {
		providerReg = &ProviderMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payday",
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Payment provider calls segmented by provider, method, and outcome.",
			}, []string{"provider", "method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "payday",
				Subsystem: "provider",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for payment provider calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider", "method"}),
		}
		prometheus.MustRegister(providerReg.calls, providerReg.latency)
	})
	return providerReg
}

// ObserveCall records a provider call outcome and latency in seconds.
func (m *ProviderMetrics) ObserveCall(provider, method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(provider, method, normalizeOutcome(outcome)).Inc()
	m.latency.WithLabelValues(provider, method).Observe(seconds)
}

// Recon returns the lazily-initialised reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconOnce.Do(func() {
		reconReg = &ReconMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payday",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Reconciliation runs segmented by outcome.",
			}, []string{"outcome"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payday",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Anomalies detected during reconciliation segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(reconReg.runs, reconReg.anomalies)
	})
	return reconReg
}

// ObserveRun records the outcome of a reconciliation run.
func (m *ReconMetrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// ObserveAnomaly counts a detected anomaly by type.
func (m *ReconMetrics) ObserveAnomaly(anomalyType string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(strings.ToLower(anomalyType)).Inc()
}

func normalizeOutcome(outcome string) string {
	normalized := strings.ToLower(strings.TrimSpace(outcome))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
