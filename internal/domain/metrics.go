package domain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decomposeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "domain",
		Name:      "decompositions_total",
		Help:      "Completed domain decompositions.",
	})
	topNodeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "domain",
		Name:      "topnode_retries_total",
		Help:      "Decomposition restarts after top-node arena exhaustion.",
	})
	migratedParticles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "domain",
		Name:      "migrated_particles_total",
		Help:      "Particles moved between ranks by the exchange engine.",
	})
	exchangeIterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "domain",
		Name:      "exchange_iterations_total",
		Help:      "Exchange passes, including budget-limited partial passes.",
	})
	repairRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "domain",
		Name:      "repair_rounds_total",
		Help:      "Rounds of the migration plan repair negotiation.",
	})
	countBalanceFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gadget",
		Subsystem: "domain",
		Name:      "count_balance_fallbacks_total",
		Help:      "Partitions that fell back from work to count balancing.",
	})
)
