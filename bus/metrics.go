// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	busPublishedTotal        prometheus.Counter
	busDeliveredTotal        prometheus.Counter
	busMalformedTotal        prometheus.Counter
	busSendFailuresTotal     prometheus.Counter
	busDispatchDroppedTotal  prometheus.Counter
	busNaksSentTotal         prometheus.Counter
	busRetransmitsSentTotal  prometheus.Counter
	busLossTotal             prometheus.Counter
	busLossEventDroppedTotal prometheus.Counter
)

// registerBusMetrics registers the package's Prometheus counters exactly
// once, so opening multiple Bus values in one process never panics on
// double-registration.
func registerBusMetrics() {
	metricsOnce.Do(func() {
		busPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_bus_published_total",
			Help: "DATA packets published.",
		})
		busDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_bus_delivered_total",
			Help: "DATA sequences released to subscription dispatch, in order.",
		})
		busMalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_bus_malformed_dropped_total",
			Help: "Packets dropped for failing to decode or decrypt.",
		})
		busSendFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_bus_send_failures_total",
			Help: "Transport-level errors encountered while sending.",
		})
		busDispatchDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_bus_dispatch_dropped_total",
			Help: "Deliveries dropped from a full queued-subscription dispatch queue.",
		})
		busNaksSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_bus_naks_sent_total",
			Help: "NAK packets sent requesting retransmission.",
		})
		busRetransmitsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_bus_retransmits_sent_total",
			Help: "Packets resent in response to a NAK.",
		})
		busLossTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_bus_loss_total",
			Help: "Sequence ranges declared permanently unrecoverable.",
		})
		busLossEventDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_bus_loss_event_dropped_total",
			Help: "Loss events dropped because the Losses() channel was full.",
		})
		prometheus.MustRegister(
			busPublishedTotal,
			busDeliveredTotal,
			busMalformedTotal,
			busSendFailuresTotal,
			busDispatchDroppedTotal,
			busNaksSentTotal,
			busRetransmitsSentTotal,
			busLossTotal,
			busLossEventDroppedTotal,
		)
	})
}
