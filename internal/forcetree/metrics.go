package forcetree

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	treeBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "forcetree",
		Name:      "builds_total",
		Help:      "Completed tree constructions.",
	})
	treeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "forcetree",
		Name:      "build_retries_total",
		Help:      "Reconstructions after node arena exhaustion.",
	})
	nodeDrifts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "forcetree",
		Name:      "node_drifts_total",
		Help:      "Node drift attempts past the timestamp fast path.",
	})
	blockedDrifts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "forcetree",
		Name:      "blocked_drifts_total",
		Help:      "Drift attempts that found the node already drifted by another thread.",
	})
	kickExchanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "forcetree",
		Name:      "kick_exchanges_total",
		Help:      "Cross-rank exchanges of deferred top-level kicks.",
	})
)
