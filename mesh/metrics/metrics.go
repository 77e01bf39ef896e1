// Package metrics exposes the named counters spec §7 requires for every
// silently-dropped packet class, plus relay/peer gauges, via
// prometheus/client_golang the way the teacher's node wires its own
// counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DroppedMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "dropped_malformed_total",
		Help:      "Packets dropped at admission as self-sent or with an empty payload.",
	})
	DroppedDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "dropped_duplicate_total",
		Help:      "Packets dropped by SeenSet replay/duplicate detection.",
	})
	DroppedStale = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "dropped_stale_total",
		Help:      "Packets dropped for a timestamp outside the clock-skew window.",
	})
	DroppedBadSignature = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "dropped_bad_signature_total",
		Help:      "Packets dropped for failing signature verification.",
	})
	DroppedUnknownSender = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "dropped_unknown_sender_total",
		Help:      "Non-announce/handshake packets dropped from an unverified sender.",
	})
	RelayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "relayed_total",
		Help:      "Packets re-broadcast by RelayEngine.",
	})
	ActivePeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mesh",
		Name:      "active_peers",
		Help:      "Peers with a last-seen timestamp inside the stale-peer window.",
	})
)

func init() {
	prometheus.MustRegister(
		DroppedMalformed,
		DroppedDuplicate,
		DroppedStale,
		DroppedBadSignature,
		DroppedUnknownSender,
		RelayedTotal,
		ActivePeers,
	)
}
