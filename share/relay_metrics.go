package prshare

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHostsWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portrelay_hosts_waiting",
		Help: "Host connections parked at the relay awaiting a client",
	})
	metricPairsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portrelay_pairs_active",
		Help: "Host/client pairs currently relaying",
	})
	metricPairingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portrelay_pairings_total",
		Help: "Host/client pairings brokered",
	})
	metricRefusalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portrelay_refusals_total",
		Help: "Connections refused, by reason",
	}, []string{"reason"})
	metricPairSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portrelay_pair_duration_seconds",
		Help:    "Paired session lifetime in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})
	metricRelayedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portrelay_relayed_bytes_total",
		Help: "Bytes relayed between paired connections, both directions",
	})
)

// refusal reasons for metricRefusalsTotal
const (
	refusalUnauthenticated = "unauthenticated"
	refusalForbidden       = "forbidden"
	refusalUnknownTunnel   = "unknown_tunnel"
	refusalNoHost          = "no_host"
	refusalRateLimited     = "rate_limited"
)
