package sim

// Params fixes the shape of one run.
type Params struct {
	// Steps is the number of global timesteps; it must divide the
	// integer time base.
	Steps int

	// GridN seeds GridN^3 unit-mass particles on a uniform lattice.
	GridN int
}

// RankStats is one rank's load during a step.
type RankStats struct {
	Rank     int
	NumPart  int
	Work     float64 // summed per-particle gravity cost
	Exports  int     // walk crossings into remote subtrees
	Migrated int     // particles received in the last decomposition
}

// Observer is notified once per completed step with the gathered
// per-rank statistics. Called on every rank with identical data.
type Observer interface {
	OnStep(step int, stats []RankStats)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(step int, stats []RankStats)

func (f ObserverFunc) OnStep(step int, stats []RankStats) { f(step, stats) }

// Result summarizes a completed run.
type Result struct {
	Steps          int
	Decompositions int
	TotalExports   int

	// PerStep holds the gathered per-rank statistics of every step,
	// identical on all ranks.
	PerStep [][]RankStats

	// Final per-rank particle counts.
	Counts []int
}
