package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MonitorMetrics records payment-monitor cycle activity.
type MonitorMetrics struct {
	cycles      prometheus.Counter
	checked     prometheus.Counter
	transitions *prometheus.CounterVec
	itemErrors  prometheus.Counter
	duration    prometheus.Histogram
}

// BroadcastMetrics records outbound chain submissions.
type BroadcastMetrics struct {
	attempts *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// SettlementMetrics records escrow settlement outcomes.
type SettlementMetrics struct {
	settlements *prometheus.CounterVec
}

// HTTPMetrics records API request activity.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	monitorOnce     sync.Once
	monitorRegistry *MonitorMetrics

	broadcastOnce     sync.Once
	broadcastRegistry *BroadcastMetrics

	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics

	httpOnce     sync.Once
	httpRegistry *HTTPMetrics
)

// Monitor returns the lazily-initialised monitor metrics registry.
func Monitor() *MonitorMetrics {
	monitorOnce.Do(func() {
		monitorRegistry = &MonitorMetrics{
			cycles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chainpay",
				Subsystem: "monitor",
				Name:      "cycles_total",
				Help:      "Total completed monitor polling cycles.",
			}),
			checked: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chainpay",
				Subsystem: "monitor",
				Name:      "items_checked_total",
				Help:      "Total pending items examined across all cycles.",
			}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainpay",
				Subsystem: "monitor",
				Name:      "transitions_total",
				Help:      "Status transitions applied by the monitor, segmented by target status.",
			}, []string{"status"}),
			itemErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chainpay",
				Subsystem: "monitor",
				Name:      "item_errors_total",
				Help:      "Per-item failures isolated within monitor cycles.",
			}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "chainpay",
				Subsystem: "monitor",
				Name:      "cycle_duration_seconds",
				Help:      "Latency distribution of complete monitor cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			monitorRegistry.cycles,
			monitorRegistry.checked,
			monitorRegistry.transitions,
			monitorRegistry.itemErrors,
			monitorRegistry.duration,
		)
	})
	return monitorRegistry
}

// RecordCycle captures the outcome of a single polling cycle.
func (m *MonitorMetrics) RecordCycle(checked, errors int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.checked.Add(float64(checked))
	m.itemErrors.Add(float64(errors))
	m.duration.Observe(elapsed.Seconds())
}

// RecordTransition counts a status transition applied by the monitor.
func (m *MonitorMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(strings.ToLower(status)).Inc()
}

// Broadcast returns the lazily-initialised broadcaster metrics registry.
func Broadcast() *BroadcastMetrics {
	broadcastOnce.Do(func() {
		broadcastRegistry = &BroadcastMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainpay",
				Subsystem: "broadcast",
				Name:      "attempts_total",
				Help:      "Broadcast attempts segmented by chain and outcome.",
			}, []string{"chain", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainpay",
				Subsystem: "broadcast",
				Name:      "retries_total",
				Help:      "Retries triggered by transient chain failures.",
			}, []string{"chain"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "chainpay",
				Subsystem: "broadcast",
				Name:      "duration_seconds",
				Help:      "Latency distribution of broadcast submissions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"chain"}),
		}
		prometheus.MustRegister(
			broadcastRegistry.attempts,
			broadcastRegistry.retries,
			broadcastRegistry.duration,
		)
	})
	return broadcastRegistry
}

// RecordAttempt counts a terminal broadcast outcome for a chain.
func (m *BroadcastMetrics) RecordAttempt(chain, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(chain, outcome).Inc()
	m.duration.WithLabelValues(chain).Observe(elapsed.Seconds())
}

// RecordRetry counts a scheduled retry for a chain.
func (m *BroadcastMetrics) RecordRetry(chain string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(chain).Inc()
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainpay",
				Subsystem: "escrow",
				Name:      "settlements_total",
				Help:      "Escrow settlements segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(settlementRegistry.settlements)
	})
	return settlementRegistry
}

// RecordSettlement counts a settlement outcome (settled, conflict, failed).
func (m *SettlementMetrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

// HTTP returns the lazily-initialised API request metrics registry.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainpay",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "API requests segmented by method, route, and status code.",
			}, []string{"method", "route", "status"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "chainpay",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution of API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.duration)
	})
	return httpRegistry
}

// RecordRequest captures a completed API request.
func (m *HTTPMetrics) RecordRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(method, route, code).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
