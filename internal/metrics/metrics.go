// Package metrics holds the Prometheus collectors shared by the bridge and listener processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "weather"

// Bridge stores process-local bridge counters exported via /metrics.
// All record methods are safe on a nil receiver so components can run without metrics.
type Bridge struct {
	connectAttemptsTotal    prometheus.Counter
	connectFailuresTotal    prometheus.Counter
	reconnectsScheduled     prometheus.Counter
	sessionsClosedTotal     *prometheus.CounterVec
	sessionState            prometheus.Gauge
	batchesReceivedTotal    prometheus.Counter
	decodeErrorsTotal       prometheus.Counter
	recordsPublishedTotal   *prometheus.CounterVec
	publishErrorsTotal      *prometheus.CounterVec
	statusWriteFailures     prometheus.Counter
	messagesConsumedTotal   *prometheus.CounterVec
	consumerFetchErrorTotal prometheus.Counter
}

// NewRegistry returns a registry preloaded with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg for scraping.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// NewBridge builds the collectors and registers them with reg.
func NewBridge(reg prometheus.Registerer) *Bridge {
	m := &Bridge{
		connectAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connect_attempts_total",
			Help:      "Total upstream connect attempts.",
		}),
		connectFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connect_failures_total",
			Help:      "Total upstream connect attempts that failed.",
		}),
		reconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "reconnects_scheduled_total",
			Help:      "Total reconnect attempts scheduled after a failure or close.",
		}),
		sessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "sessions_closed_total",
			Help:      "Total upstream sessions torn down, by reason.",
		}, []string{"reason"}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "session_state",
			Help:      "Upstream session state (0=disconnected, 1=connecting, 2=connected).",
		}),
		batchesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "batches_received_total",
			Help:      "Total inbound batches decoded successfully.",
		}),
		decodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "decode_errors_total",
			Help:      "Total inbound messages dropped because they failed to decode.",
		}),
		recordsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "records_total",
			Help:      "Total records handed to the backbone writer, by topic.",
		}, []string{"topic"}),
		publishErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "errors_total",
			Help:      "Total records the backbone writer reported as failed, by topic.",
		}, []string{"topic"}),
		statusWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "status_write_failures_total",
			Help:      "Total failed writes of the bridge status snapshot.",
		}),
		messagesConsumedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "messages_total",
			Help:      "Total messages received by the listener, by topic.",
		}, []string{"topic"}),
		consumerFetchErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "fetch_errors_total",
			Help:      "Total listener fetch errors.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectAttemptsTotal,
			m.connectFailuresTotal,
			m.reconnectsScheduled,
			m.sessionsClosedTotal,
			m.sessionState,
			m.batchesReceivedTotal,
			m.decodeErrorsTotal,
			m.recordsPublishedTotal,
			m.publishErrorsTotal,
			m.statusWriteFailures,
			m.messagesConsumedTotal,
			m.consumerFetchErrorTotal,
		)
	}
	return m
}

// RecordConnectAttempt counts one dial.
func (m *Bridge) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttemptsTotal.Inc()
}

// RecordConnectFailure counts one failed dial.
func (m *Bridge) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.connectFailuresTotal.Inc()
}

// RecordReconnectScheduled counts one armed reconnect timer.
func (m *Bridge) RecordReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectsScheduled.Inc()
}

// RecordSessionClosed counts one torn down session.
func (m *Bridge) RecordSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosedTotal.WithLabelValues(reason).Inc()
}

// SetSessionState exports the current state machine value.
func (m *Bridge) SetSessionState(state int) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}

// RecordBatchReceived counts one decoded batch.
func (m *Bridge) RecordBatchReceived() {
	if m == nil {
		return
	}
	m.batchesReceivedTotal.Inc()
}

// RecordDecodeError counts one dropped message.
func (m *Bridge) RecordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrorsTotal.Inc()
}

// RecordPublished counts records handed to the writer for topic.
func (m *Bridge) RecordPublished(topic string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsPublishedTotal.WithLabelValues(topic).Add(float64(n))
}

// RecordPublishErrors counts records the writer failed to deliver for topic.
func (m *Bridge) RecordPublishErrors(topic string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.publishErrorsTotal.WithLabelValues(topic).Add(float64(n))
}

// RecordStatusWriteFailure counts one failed status snapshot write.
func (m *Bridge) RecordStatusWriteFailure() {
	if m == nil {
		return
	}
	m.statusWriteFailures.Inc()
}

// RecordConsumed counts one message seen by the listener.
func (m *Bridge) RecordConsumed(topic string) {
	if m == nil {
		return
	}
	m.messagesConsumedTotal.WithLabelValues(topic).Inc()
}

// RecordFetchError counts one listener fetch error.
func (m *Bridge) RecordFetchError() {
	if m == nil {
		return
	}
	m.consumerFetchErrorTotal.Inc()
}
