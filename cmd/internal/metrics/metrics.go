// Package metrics provides Prometheus metrics for the proserve session core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "proserve"

var (
	// RefreshTotal counts silent refresh attempts made by the transport interceptor.
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Total number of silent token refresh attempts",
		},
		[]string{"result"},
	)

	// RetriedSendsTotal counts original requests resent after a successful refresh.
	RetriedSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retried_sends_total",
			Help:      "Total number of requests resent once after a refresh",
		},
		[]string{"result"},
	)

	// ExpiryNotificationsTotal counts expiry notifications by outcome (delivered, suppressed).
	ExpiryNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_notifications_total",
			Help:      "Total number of session expiry notifications",
		},
		[]string{"outcome"},
	)

	// ListenerPanicsTotal counts recovered panics in subscriber callbacks.
	ListenerPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Total number of recovered listener panics",
		},
		[]string{"component"},
	)

	// StoreErrorsTotal counts swallowed key-value storage failures.
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of swallowed storage failures",
		},
		[]string{"op"},
	)

	// BusEventsTotal counts delivered bus events by channel (storage, local).
	BusEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Total number of bus events delivered to listeners",
		},
		[]string{"channel"},
	)

	// RelayConnections tracks open relay websocket connections.
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Number of open relay websocket connections",
		},
	)

	// RelayEventsTotal counts relayed envelopes by result (fanout, rejected).
	RelayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Total number of storage change envelopes handled by the relay",
		},
		[]string{"result"},
	)
)

// RecordRefresh records a refresh attempt result ("ok" or "fail").
func RecordRefresh(ok bool) {
	RefreshTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// RecordRetriedSend records the outcome of the single retried send.
func RecordRetriedSend(ok bool) {
	RetriedSendsTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// RecordExpiry records whether an expiry notification was delivered or suppressed.
func RecordExpiry(delivered bool) {
	if delivered {
		ExpiryNotificationsTotal.WithLabelValues("delivered").Inc()
		return
	}
	ExpiryNotificationsTotal.WithLabelValues("suppressed").Inc()
}

// RecordListenerPanic records a recovered listener panic for a component.
func RecordListenerPanic(component string) {
	ListenerPanicsTotal.WithLabelValues(component).Inc()
}

// RecordStoreError records a swallowed storage failure.
func RecordStoreError(op string) {
	StoreErrorsTotal.WithLabelValues(op).Inc()
}

// RecordBusEvent records a bus delivery on a channel.
func RecordBusEvent(channel string) {
	BusEventsTotal.WithLabelValues(channel).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
