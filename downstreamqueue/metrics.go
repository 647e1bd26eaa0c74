/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package downstreamqueue

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector represents a collector of metrics to analyze how the queue admits,
// blocks and promotes downstream requests.
type MetricsCollector interface {
	// SetRequestsAmount sets the total number of requests registered in the queue.
	SetRequestsAmount(int)

	// SetHostEntriesAmount sets the number of hosts with live bookkeeping entries.
	SetHostEntriesAmount(int)

	// IncBlocked increments the total number of requests that had to wait for capacity.
	IncBlocked()

	// IncPromotions increments the total number of blocked requests promoted to active.
	IncPromotions()

	// AddDiscardedLinks increments the total number of tombstoned FIFO links
	// discarded by promotion scans.
	AddDiscardedLinks(int)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with the provided labels.
	// See PrometheusMetrics.MustCurryWith method for more details.
	// Keep in mind that if this list is not empty,
	// PrometheusMetrics.MustCurryWith method must be called further with the same labels.
	// Otherwise, the collector will panic.
	CurriedLabelNames []string
}

// PrometheusMetrics represents Prometheus metrics for the queue.
type PrometheusMetrics struct {
	RequestsAmount      *prometheus.GaugeVec
	HostEntriesAmount   *prometheus.GaugeVec
	BlockedTotal        *prometheus.CounterVec
	PromotionsTotal     *prometheus.CounterVec
	DiscardedLinksTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	requestsAmount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "downstream_queue_requests_amount",
			Help:        "Total number of requests registered in the downstream queue.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	hostEntriesAmount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "downstream_queue_host_entries_amount",
			Help:        "Number of hosts with live bookkeeping entries in the downstream queue.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	blockedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "downstream_queue_blocked_total",
			Help:        "Number of requests that had to wait for downstream connection capacity.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	promotionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "downstream_queue_promotions_total",
			Help:        "Number of blocked requests promoted to active.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	discardedLinksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "downstream_queue_discarded_links_total",
			Help:        "Number of tombstoned FIFO links discarded by promotion scans.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	return &PrometheusMetrics{
		RequestsAmount:      requestsAmount,
		HostEntriesAmount:   hostEntriesAmount,
		BlockedTotal:        blockedTotal,
		PromotionsTotal:     promotionsTotal,
		DiscardedLinksTotal: discardedLinksTotal,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		RequestsAmount:      pm.RequestsAmount.MustCurryWith(labels),
		HostEntriesAmount:   pm.HostEntriesAmount.MustCurryWith(labels),
		BlockedTotal:        pm.BlockedTotal.MustCurryWith(labels),
		PromotionsTotal:     pm.PromotionsTotal.MustCurryWith(labels),
		DiscardedLinksTotal: pm.DiscardedLinksTotal.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.RequestsAmount,
		pm.HostEntriesAmount,
		pm.BlockedTotal,
		pm.PromotionsTotal,
		pm.DiscardedLinksTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.RequestsAmount)
	prometheus.Unregister(pm.HostEntriesAmount)
	prometheus.Unregister(pm.BlockedTotal)
	prometheus.Unregister(pm.PromotionsTotal)
	prometheus.Unregister(pm.DiscardedLinksTotal)
}

// SetRequestsAmount sets the total number of requests registered in the queue.
func (pm *PrometheusMetrics) SetRequestsAmount(amount int) {
	pm.RequestsAmount.With(nil).Set(float64(amount))
}

// SetHostEntriesAmount sets the number of hosts with live bookkeeping entries.
func (pm *PrometheusMetrics) SetHostEntriesAmount(amount int) {
	pm.HostEntriesAmount.With(nil).Set(float64(amount))
}

// IncBlocked increments the total number of requests that had to wait for capacity.
func (pm *PrometheusMetrics) IncBlocked() {
	pm.BlockedTotal.With(nil).Inc()
}

// IncPromotions increments the total number of blocked requests promoted to active.
func (pm *PrometheusMetrics) IncPromotions() {
	pm.PromotionsTotal.With(nil).Inc()
}

// AddDiscardedLinks increments the total number of discarded tombstoned links.
func (pm *PrometheusMetrics) AddDiscardedLinks(n int) {
	pm.DiscardedLinksTotal.With(nil).Add(float64(n))
}

type disabledMetrics struct{}

func (disabledMetrics) SetRequestsAmount(int)    {}
func (disabledMetrics) SetHostEntriesAmount(int) {}
func (disabledMetrics) IncBlocked()              {}
func (disabledMetrics) IncPromotions()           {}
func (disabledMetrics) AddDiscardedLinks(int)    {}

var disabledMetricsCollector = disabledMetrics{}
