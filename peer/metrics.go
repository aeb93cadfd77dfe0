// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package peer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	duplicatesTotal prometheus.Counter
	gapsTotal       prometheus.Counter
	lossTotal       prometheus.Counter
)

// registerMetrics registers the package's Prometheus counters exactly
// once, so importing peer never panics on double-registration and a
// process that never scrapes metrics pays no cost beyond the one-time
// registration.
func registerMetrics() {
	metricsOnce.Do(func() {
		duplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_peer_duplicates_total",
			Help: "DATA packets dropped as old or duplicate sequences.",
		})
		gapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_peer_gaps_total",
			Help: "Gaps opened across all tracked (peer, session) pairs.",
		})
		lossTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbus_peer_loss_total",
			Help: "Gaps declared permanently lost, by NAK deadline or by an unrecoverable reply.",
		})
		prometheus.MustRegister(duplicatesTotal, gapsTotal, lossTotal)
	})
}
