// Package timeline defines the integer simulation time axis. All
// drift and kick bookkeeping runs on integer ticks so that two
// processes asking for the same instant always agree exactly; physical
// time is derived from ticks only at the edges.
package timeline

import "fmt"

// TimeBase is the number of integer ticks spanning the full run. A
// particle on time bin b advances 1<<b ticks per step, so the deepest
// usable bin is limited by TimeBase.
const TimeBase = 1 << 29

// MaxTimeBin is the largest valid time bin.
const MaxTimeBin = 29

// Clock maps integer ticks onto the physical time interval of the run.
type Clock struct {
	Begin float64 // physical time at tick 0
	End   float64 // physical time at tick TimeBase
	Ti    int64   // current tick
}

// NewClock creates a clock over [begin, end).
func NewClock(begin, end float64) (*Clock, error) {
	if end <= begin {
		return nil, fmt.Errorf("timeline: end %g <= begin %g", end, begin)
	}
	return &Clock{Begin: begin, End: end}, nil
}

// Time returns the physical time at tick ti.
func (c *Clock) Time(ti int64) float64 {
	return c.Begin + (c.End-c.Begin)*float64(ti)/float64(TimeBase)
}

// DriftFactor returns the physical interval between two ticks, the
// multiplier applied to velocities when extrapolating positions.
func (c *Clock) DriftFactor(ti0, ti1 int64) float64 {
	return (c.End - c.Begin) * float64(ti1-ti0) / float64(TimeBase)
}

// Advance moves the clock forward by the given number of ticks.
func (c *Clock) Advance(dti int64) {
	c.Ti += dti
}

// BinTicks returns how many ticks a particle on the given bin covers
// per step. Bin 0 means the particle has no step assigned yet and is
// treated as spanning the whole run.
func BinTicks(bin uint8) int64 {
	if bin == 0 {
		return TimeBase
	}
	return 1 << bin
}

// CostFactor estimates the per-step work a particle contributes to its
// owner. Short-timestep particles are touched more often, so their
// measured gravity cost is scaled up by the inverse of their step
// length. Used to weight the domain balance.
func CostFactor(gravCost float32, bin uint8) float64 {
	if bin > 0 {
		return float64(1+gravCost) / float64(int64(1)<<bin)
	}
	return float64(1+gravCost) / float64(TimeBase)
}
