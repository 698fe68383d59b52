package forcetree

import (
	"fmt"
	"math"

	"github.com/bluetides-project/MP-Gadget/internal/config"
	"github.com/bluetides-project/MP-Gadget/internal/mpi"
	"github.com/bluetides-project/MP-Gadget/internal/particle"
)

// DriftNode advances a node's spatial moments to integer time ti. The
// unguarded timestamp check is the fast path for the common case of an
// already-current node; the locked re-check makes concurrent walk
// threads drift each node exactly once. Which lock guards the node is
// a configuration choice.
func (t *Tree) DriftNode(no int, ti int64) {
	n := t.Node(no)
	if n.TiCurrent.Load() == ti {
		return
	}
	nodeDrifts.Inc()

	mu := &t.globalMu
	if t.cfg.Tree.LockStrategy == config.LockPerNode {
		mu = &n.mu
	}
	mu.Lock()
	if n.TiCurrent.Load() != ti {
		t.driftLocked(no, ti)
	} else {
		blockedDrifts.Inc()
	}
	mu.Unlock()
}

// driftLocked does the actual extrapolation; the caller holds the
// node's guard or is otherwise the only writer.
func (t *Tree) driftLocked(no int, ti int64) {
	n, e := t.Node(no), t.Ext(no)
	cur := n.TiCurrent.Load()
	if cur == ti {
		return
	}

	if n.Bitflags&flagKicked != 0 {
		if e.TiLastKicked != cur {
			panic(fmt.Sprintf("forcetree: node %d kicked at %d but current at %d",
				no, e.TiLastKicked, cur))
		}
		fac := 0.0
		if n.Mass > 0 {
			fac = 1 / n.Mass
		}
		for j := 0; j < 3; j++ {
			e.Vel[j] += fac * e.Dp[j]
			e.Dp[j] = 0
		}
		n.Bitflags &^= flagKicked
	}

	dt := t.clock.DriftFactor(cur, ti)
	for j := 0; j < 3; j++ {
		n.COM[j] += e.Vel[j] * dt
	}
	n.Len += 2 * e.Vmax * dt

	// The timestamp release-publishes the moment writes above to the
	// unguarded fast path.
	n.TiCurrent.Store(ti)
}

// KickNode records a velocity change dv of particle i as momentum
// deltas at every ancestor, up to and including the first top-level
// node. The deltas are folded into the node velocities lazily on the
// next drift; cross-rank propagation above the top level waits for
// FinishKick. Kicks are applied from the stepping loop, one writer per
// rank.
func (t *Tree) KickNode(i int, dv [3]float64, ti int64) {
	p := &t.store.P[i]
	if t.excluded(p.Type) {
		return
	}

	var dp [3]float64
	vmax := 0.0
	for j := 0; j < 3; j++ {
		dp[j] = p.Mass * dv[j]
		vmax = math.Max(vmax, math.Abs(float64(p.Vel[j])))
	}

	for no := t.father[i]; no >= 0; no = t.Node(no).Father {
		t.driftLocked(no, ti)
		n, e := t.Node(no), t.Ext(no)
		for j := 0; j < 3; j++ {
			e.Dp[j] += dp[j]
		}
		e.Vmax = math.Max(e.Vmax, vmax)
		n.Bitflags |= flagKicked
		e.TiLastKicked = ti

		if n.Bitflags&flagTopLevel != 0 {
			if e.Flag != t.globFlag {
				e.Flag = t.globFlag
				t.changed = append(t.changed, no)
			}
			break
		}
	}
}

// kickRecord names a touched top-level node by its skeleton index,
// which is identical on every rank, plus the pending deltas.
type kickRecord struct {
	Node int
	Dp   [3]float64
	Vmax float64
}

// FinishKick exchanges the momentum deltas accumulated at top-level
// nodes this epoch and propagates them upward on every rank, so the
// owners of the matching pseudo-particles see the kicks too. Called
// once per timestep after all KickNode calls.
func (t *Tree) FinishKick(ti int64) {
	local := make([]kickRecord, len(t.changed))
	for i, no := range t.changed {
		e := t.Ext(no)
		local[i] = kickRecord{Node: no, Dp: e.Dp, Vmax: e.Vmax}
	}

	all, _ := mpi.Allgatherv(t.comm, local)
	t.log.Debug("kick exchange", "touched", len(all), "topleaves", t.dom.NTopleaves)

	for _, rec := range all {
		no := rec.Node
		if t.Node(no).Bitflags&flagDependsOnLocalMass != 0 {
			// The local kick already reached this node.
			no = t.Node(no).Father
		}
		for ; no >= 0; no = t.Node(no).Father {
			t.driftLocked(no, ti)
			n, e := t.Node(no), t.Ext(no)
			for j := 0; j < 3; j++ {
				e.Dp[j] += rec.Dp[j]
			}
			e.Vmax = math.Max(e.Vmax, rec.Vmax)
			n.Bitflags |= flagKicked
			e.TiLastKicked = ti
		}
	}

	t.globFlag++
	t.changed = t.changed[:0]
	kickExchanges.Inc()
}

// hmaxRecord carries one top-level node's grown neighbor-search maxima.
type hmaxRecord struct {
	Node    int
	Hmax    float64
	DivVmax float64
}

// UpdateHmax pushes grown SPH smoothing radii and velocity divergences
// up the tree and exchanges the affected top-level maxima across
// ranks. Run after a density pass, before the hydro force walk needs
// the neighbor bounds.
func (t *Tree) UpdateHmax(ti int64) {
	t.globFlag++

	var changed []int
	s := t.store
	for i := 0; i < s.NumGas; i++ {
		if s.P[i].Type != particle.Gas || t.father[i] < 0 {
			continue
		}
		hsml := float64(s.P[i].Hsml)
		divv := float64(s.Sph[i].DivVel)

		for no := t.father[i]; no >= 0; no = t.Node(no).Father {
			t.driftLocked(no, ti)
			e := t.Ext(no)
			if hsml <= e.Hmax && divv <= e.DivVmax {
				break
			}
			e.Hmax = math.Max(e.Hmax, hsml)
			e.DivVmax = math.Max(e.DivVmax, divv)

			if t.Node(no).Bitflags&flagTopLevel != 0 {
				if e.Flag != t.globFlag {
					e.Flag = t.globFlag
					changed = append(changed, no)
				}
				break
			}
		}
	}

	local := make([]hmaxRecord, len(changed))
	for i, no := range changed {
		e := t.Ext(no)
		local[i] = hmaxRecord{Node: no, Hmax: e.Hmax, DivVmax: e.DivVmax}
	}

	all, _ := mpi.Allgatherv(t.comm, local)
	t.log.Debug("hmax exchange", "touched", len(all), "topleaves", t.dom.NTopleaves)

	for _, rec := range all {
		no := rec.Node
		if t.Node(no).Bitflags&flagDependsOnLocalMass != 0 {
			no = t.Node(no).Father
		}
		for ; no >= 0; no = t.Node(no).Father {
			t.driftLocked(no, ti)
			e := t.Ext(no)
			if rec.Hmax <= e.Hmax && rec.DivVmax <= e.DivVmax {
				break
			}
			e.Hmax = math.Max(e.Hmax, rec.Hmax)
			e.DivVmax = math.Max(e.DivVmax, rec.DivVmax)
		}
	}
}
