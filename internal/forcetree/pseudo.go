package forcetree

import (
	"math"

	"github.com/bluetides-project/MP-Gadget/internal/mpi"
)

// leafMoment is the multipole state of one top-level leaf as published
// by its owning rank.
type leafMoment struct {
	Leaf     int
	Mass     float64
	COM      [3]float64
	Vel      [3]float64
	Hmax     float64
	Vmax     float64
	DivVmax  float64
	Bitflags uint32
}

// exchangePseudoData publishes the moments of the locally owned top
// leaves and installs every other rank's moments into the matching
// pseudo slots.
func (t *Tree) exchangePseudoData() {
	over := len(t.dom.StartList) / t.comm.Size()
	rank := t.comm.Rank()

	var local []leafMoment
	for m := 0; m < over; m++ {
		seg := rank*over + m
		for leaf := t.dom.StartList[seg]; leaf <= t.dom.EndList[seg]; leaf++ {
			no := t.leafNode[leaf]
			n, e := t.Node(no), t.Ext(no)
			local = append(local, leafMoment{
				Leaf:     leaf,
				Mass:     n.Mass,
				COM:      n.COM,
				Vel:      e.Vel,
				Hmax:     e.Hmax,
				Vmax:     e.Vmax,
				DivVmax:  e.DivVmax,
				Bitflags: n.Bitflags,
			})
		}
	}

	all, _ := mpi.Allgatherv(t.comm, local)

	for _, lm := range all {
		if t.dom.Task[lm.Leaf] == rank {
			continue
		}
		no := t.leafNode[lm.Leaf]
		n, e := t.Node(no), t.Ext(no)
		n.Mass = lm.Mass
		n.COM = lm.COM
		e.Vel = lm.Vel
		e.Hmax = lm.Hmax
		e.Vmax = lm.Vmax
		e.DivVmax = lm.DivVmax
		n.Bitflags = n.Bitflags&^momentFlagMask | lm.Bitflags&momentFlagMask
	}
}

// updatePseudoMoments recomputes the moments of the top-level tree
// after the pseudo slots were filled in. Skeleton nodes always have
// eight daughters reachable by one next-node hop and sibling chaining.
func (t *Tree) updatePseudoMoments(no int) {
	var mass, hmax, vmax, divVmax float64
	var com, vel [3]float64
	countParticles := 0
	maxSoftType := softTypeNone
	var diffSoft uint32

	p := t.Node(no).NextNode
	for j := 0; j < 8; j++ {
		if p < t.maxPart || p >= t.maxPart+t.maxNodes {
			panic("forcetree: top-level skeleton node with a non-node daughter")
		}
		if t.Node(p).Bitflags&flagInternalTopLevel != 0 {
			t.updatePseudoMoments(p)
		}

		cn, ce := t.Node(p), t.Ext(p)
		mass += cn.Mass
		for k := 0; k < 3; k++ {
			com[k] += cn.Mass * cn.COM[k]
			vel[k] += cn.Mass * ce.Vel[k]
		}
		hmax = math.Max(hmax, ce.Hmax)
		vmax = math.Max(vmax, ce.Vmax)
		divVmax = math.Max(divVmax, ce.DivVmax)
		if cn.Mass > 0 {
			if cn.Bitflags&flagMultipleParticles != 0 {
				countParticles += 2
			} else {
				countParticles++
			}
		}
		diffSoft |= cn.Bitflags & flagMixedSofts
		maxSoftType, diffSoft = t.mergeSoftType(maxSoftType, cn.Bitflags>>softTypeShift&softTypeNone, diffSoft)

		p = cn.Sibling
	}

	n, e := t.Node(no), t.Ext(no)
	if mass > 0 {
		for k := 0; k < 3; k++ {
			com[k] /= mass
			vel[k] /= mass
		}
	} else {
		com = n.Center
		vel = [3]float64{}
	}

	n.Mass = mass
	n.COM = com
	e.Vel = vel
	e.Hmax = hmax
	e.Vmax = vmax
	e.DivVmax = divVmax
	e.Flag = t.globFlag

	flags := diffSoft | maxSoftType<<softTypeShift
	if countParticles > 1 {
		flags |= flagMultipleParticles
	}
	n.Bitflags = n.Bitflags&^momentFlagMask | flags
}
