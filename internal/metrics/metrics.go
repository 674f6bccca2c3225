// Package metrics exposes the Prometheus instrumentation for the gateway:
// connection lifecycle, message throughput, rule-engine alert transitions,
// dispatcher outcomes, and subscription-index size. One Metrics value is
// constructed per process and threaded into the components that produce
// these observations.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the gateway registers.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal    prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsRejected *prometheus.CounterVec
	connectionDuration  prometheus.Histogram

	messagesReceived *prometheus.CounterVec
	messagesSent     prometheus.Counter
	messagesDropped  *prometheus.CounterVec
	quoteFanoutLag   prometheus.Histogram

	subscriptionsActive prometheus.Gauge
	subscribedStocks    prometheus.Gauge

	alertsOpened *prometheus.CounterVec
	alertsClosed *prometheus.CounterVec
	ruleEvalTime prometheus.Histogram

	notificationsSent   *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec

	natsConnectionStatus prometheus.Gauge
	natsReconnects       prometheus.Counter

	cronRuns      *prometheus.CounterVec
	cronDuration  prometheus.Histogram
	cronTriggered prometheus.Counter

	startTime time.Time
	mu        sync.RWMutex
}

// New builds a fresh Prometheus registry and registers every collector
// against it. A dedicated registry (rather than the global default) keeps
// repeated construction — in tests, or in a process that rebuilds its
// metrics on reconfiguration — from panicking on duplicate registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry:  reg,
		startTime: time.Now(),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Number of currently live WebSocket connections",
		}),
		connectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connections_rejected_total",
			Help: "Total connection attempts rejected, by reason",
		}, []string{"reason"}),
		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_connection_duration_seconds",
			Help:    "Lifetime of a WebSocket connection from upgrade to close",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 14400},
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_received_total",
			Help: "Total client-to-server messages received, by type",
		}, []string{"type"}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Total server-to-client messages sent",
		}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_dropped_total",
			Help: "Total messages dropped instead of delivered, by reason",
		}, []string{"reason"}),
		quoteFanoutLag: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_quote_fanout_seconds",
			Help:    "Time to fetch and dispatch one fan-out tick across all subscribed codes",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		subscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_subscriptions_active",
			Help: "Total (user, stock) subscription pairs currently held by the index",
		}),
		subscribedStocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_subscribed_stocks",
			Help: "Distinct stock codes with at least one subscriber",
		}),

		alertsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_alerts_opened_total",
			Help: "Total rule transitions into the OPEN state, by rule type",
		}, []string{"rule_type"}),
		alertsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_alerts_closed_total",
			Help: "Total rule transitions back to absent, by rule type",
		}, []string{"rule_type"}),
		ruleEvalTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_rule_eval_seconds",
			Help:    "Time to evaluate one rule binding against one quote tick",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),

		notificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_notifications_sent_total",
			Help: "Total notifications successfully delivered, by channel",
		}, []string{"channel"}),
		notificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_notifications_failed_total",
			Help: "Total notification delivery failures, by channel",
		}, []string{"channel"}),

		natsConnectionStatus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_nats_connection_status",
			Help: "NATS connection status (1=connected, 0=disconnected)",
		}),
		natsReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_nats_reconnects_total",
			Help: "Total NATS reconnection events",
		}),

		cronRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cron_runs_total",
			Help: "Total /cron/check-monitors invocations, by outcome",
		}, []string{"outcome"}),
		cronDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_cron_duration_seconds",
			Help:    "Duration of one /cron/check-monitors replay pass",
			Buckets: prometheus.DefBuckets,
		}),
		cronTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cron_alerts_triggered_total",
			Help: "Total alerts opened by the replay path across all runs",
		}),
	}
}

// Handler returns the HTTP handler for the /metrics scrape endpoint, scoped
// to this instance's registry rather than the process-global default.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Connection lifecycle.

func (m *Metrics) ConnectionAccepted() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed(lifetime time.Duration) {
	m.connectionsActive.Dec()
	m.connectionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) ConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

// Messages.

func (m *Metrics) MessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageSent() {
	m.messagesSent.Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordFanoutTick(d time.Duration) {
	m.quoteFanoutLag.Observe(d.Seconds())
}

// Subscription index gauges, set from subindex.Index snapshots.

func (m *Metrics) SetSubscriptions(pairs, stocks int) {
	m.subscriptionsActive.Set(float64(pairs))
	m.subscribedStocks.Set(float64(stocks))
}

// Rule engine / alerts.

func (m *Metrics) AlertOpened(ruleType string) {
	m.alertsOpened.WithLabelValues(ruleType).Inc()
}

func (m *Metrics) AlertClosed(ruleType string) {
	m.alertsClosed.WithLabelValues(ruleType).Inc()
}

func (m *Metrics) RecordRuleEval(d time.Duration) {
	m.ruleEvalTime.Observe(d.Seconds())
}

// Notification dispatcher.

func (m *Metrics) NotificationSent(channel string) {
	m.notificationsSent.WithLabelValues(channel).Inc()
}

func (m *Metrics) NotificationFailed(channel string) {
	m.notificationsFailed.WithLabelValues(channel).Inc()
}

// NATS.

func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.natsConnectionStatus.Set(1)
	} else {
		m.natsConnectionStatus.Set(0)
	}
}

func (m *Metrics) NATSReconnected() {
	m.natsReconnects.Inc()
}

// Cron replay path.

func (m *Metrics) CronRun(outcome string, d time.Duration, triggered int) {
	m.cronRuns.WithLabelValues(outcome).Inc()
	m.cronDuration.Observe(d.Seconds())
	m.cronTriggered.Add(float64(triggered))
}

// Uptime returns how long this process has been collecting metrics.
func (m *Metrics) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}
