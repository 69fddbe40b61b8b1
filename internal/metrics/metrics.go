// Package metrics exposes the service's Prometheus collectors on a private
// registry.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// Liquidation outcome labels.
const (
	OutcomeSuccess        = "success"
	OutcomeSafe           = "safe"
	OutcomeStalePrice     = "stale_price"
	OutcomeTransferFailed = "transfer_failed"
	OutcomeConflict       = "conflict"
	OutcomeTooSmall       = "too_small"
	OutcomeInsufficient   = "insufficient_reserve"
	OutcomeRejected       = "rejected"
	OutcomeError          = "error"
)

// Metrics holds every collector the service updates.
type Metrics struct {
	registry *prometheus.Registry

	liquidations      *prometheus.CounterVec
	shortfalls        prometheus.Counter
	keeperScans       prometheus.Counter
	liquidationTiming prometheus.Histogram
	priceAge          *prometheus.GaugeVec
}

// New registers the collectors under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Liquidation attempts by outcome",
		}, []string{"outcome"}),
		shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seize_shortfall_total",
			Help:      "Liquidations whose seizure was clamped to the available collateral",
		}),
		keeperScans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_scans_total",
			Help:      "Completed keeper borrower scans",
		}),
		liquidationTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "liquidation_duration_seconds",
			Help:      "Wall time of liquidation attempts",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		priceAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_age_seconds",
			Help:      "Age of the last oracle price read per asset",
		}, []string{"asset"}),
	}
	reg.MustRegister(
		m.liquidations,
		m.shortfalls,
		m.keeperScans,
		m.liquidationTiming,
		m.priceAge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveLiquidation records one attempt's duration and outcome.
func (m *Metrics) ObserveLiquidation(elapsed time.Duration, shortfall bool, err error) {
	if m == nil {
		return
	}
	m.liquidationTiming.Observe(elapsed.Seconds())
	m.liquidations.WithLabelValues(Outcome(err)).Inc()
	if err == nil && shortfall {
		m.shortfalls.Inc()
	}
}

// KeeperScan counts a finished keeper scan.
func (m *Metrics) KeeperScan() {
	if m == nil {
		return
	}
	m.keeperScans.Inc()
}

// ObservePriceAge implements oracle.AgeObserver.
func (m *Metrics) ObservePriceAge(assetID string, age time.Duration) {
	if m == nil {
		return
	}
	m.priceAge.WithLabelValues(assetID).Set(age.Seconds())
}

// Outcome maps a liquidation error to its label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, domain.ErrNotUnderCollateralized):
		return OutcomeSafe
	case errors.Is(err, domain.ErrStalePrice):
		return OutcomeStalePrice
	case errors.Is(err, domain.ErrTransferFailed):
		return OutcomeTransferFailed
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrLockHeld):
		return OutcomeConflict
	case errors.Is(err, domain.ErrLiquidationTooSmall):
		return OutcomeTooSmall
	case errors.Is(err, domain.ErrInsufficientReserve):
		return OutcomeInsufficient
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrReplayed):
		return OutcomeRejected
	}
	return OutcomeError
}
