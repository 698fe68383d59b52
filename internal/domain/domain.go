// Package domain splits the simulation volume between ranks along a
// space-filling curve and moves particles to their assigned owner.
//
// The decomposition works on a fiducial tree over key space: every
// rank refines a small oct-tree over its own particles, the trees are
// merged into one global tree whose leaves are the units of
// assignment, and a balanced partition maps contiguous leaf ranges to
// ranks. The exchange engine then migrates particles until every one
// of them lives on the rank owning its leaf.
package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/dgravesa/go-parallel/parallel"

	"github.com/bluetides-project/MP-Gadget/internal/config"
	"github.com/bluetides-project/MP-Gadget/internal/mpi"
	"github.com/bluetides-project/MP-Gadget/internal/particle"
	"github.com/bluetides-project/MP-Gadget/internal/peano"
	"github.com/bluetides-project/MP-Gadget/internal/timeline"
)

// reducFac shaves a little off the hard particle capacity when judging
// whether a partition fits in memory, leaving headroom for transient
// overshoot during the exchange.
const reducFac = 0.98

// growth factors and bound for the top-node arena retry loop.
const (
	topNodeGrowth    = 1.3
	topNodeGrowthCap = 1000
)

// Domain is the result of a decomposition: the global top-level tree,
// the leaf ownership map and the box extent used to derive keys.
type Domain struct {
	Corner [3]float64
	Center [3]float64
	Len    float64
	Fac    float64 // grid cells per unit length

	Tree       *TopTree
	NTopleaves int

	// Task maps each leaf to its owning rank; StartList/EndList
	// give the inclusive leaf range of each of the
	// OverDecomposition*NTask segments.
	Task      []int
	StartList []int
	EndList   []int

	// Per-leaf global load measured during the decomposition.
	Work     []float64
	Count    []int64
	CountSph []int64
}

// KeyForPos maps a position into the decomposition's key space.
func (d *Domain) KeyForPos(pos [3]float64) peano.Key {
	return peano.HilbertKey(d.grid(pos[0], 0), d.grid(pos[1], 1), d.grid(pos[2], 2), peano.BitsPerDimension)
}

// KeyAndMorton maps a position to its Hilbert key and the matching
// Morton code, both over the same grid cell.
func (d *Domain) KeyAndMorton(pos [3]float64) (peano.Key, peano.Key) {
	return peano.KeyAndMorton(d.grid(pos[0], 0), d.grid(pos[1], 1), d.grid(pos[2], 2), peano.BitsPerDimension)
}

func (d *Domain) grid(x float64, axis int) uint64 {
	g := int64((x - d.Corner[axis]) * d.Fac)
	if g < 0 {
		g = 0
	}
	max := int64(1)<<peano.BitsPerDimension - 1
	if g > max {
		g = max
	}
	return uint64(g)
}

// LeafForKey returns the top-level leaf covering the key.
func (d *Domain) LeafForKey(key peano.Key) int {
	return d.Tree.LeafForKey(key)
}

// TaskForKey returns the rank owning the key.
func (d *Domain) TaskForKey(key peano.Key) int {
	return d.Task[d.Tree.LeafForKey(key)]
}

// Decomposer runs decompositions for one rank.
type Decomposer struct {
	cfg   *config.Config
	comm  *mpi.Comm
	store *particle.Store
	log   *slog.Logger

	nthreads int

	// topNodeAllocFactor grows across retries and is remembered
	// between decompositions.
	topNodeAllocFactor float64

	// global tallies of the current attempt
	totCount int64
	totCost  float64
}

// NewDecomposer creates a decomposer bound to one rank's store.
func NewDecomposer(cfg *config.Config, comm *mpi.Comm, store *particle.Store, log *slog.Logger) *Decomposer {
	if log == nil {
		log = slog.Default()
	}
	return &Decomposer{
		cfg:                cfg,
		comm:               comm,
		store:              store,
		log:                log.With("rank", comm.Rank()),
		nthreads:           cfg.NumThreads,
		topNodeAllocFactor: cfg.Domain.TopNodeAllocFactor,
	}
}

func (d *Decomposer) costFactor(i int) float64 {
	return timeline.CostFactor(d.store.P[i].GravCost, d.store.P[i].TimeBin)
}

// Decompose builds a fresh domain and migrates particles to match it.
// Storage exhaustion restarts the whole phase with a grown top-node
// arena on every rank; the growth is bounded and exceeding the bound
// is fatal.
func (d *Decomposer) Decompose() (*Domain, error) {
	d.store.RearrangeSequence()

	for {
		dom, err := d.attempt()
		if err == nil {
			if d.comm.Rank() == 0 {
				decomposeTotal.Inc()
			}
			return dom, nil
		}
		if !errors.Is(err, ErrTopNodesExhausted) {
			return nil, err
		}
		d.topNodeAllocFactor *= topNodeGrowth
		if d.comm.Rank() == 0 {
			topNodeRetries.Inc()
			d.log.Info("growing top-node arena", "factor", d.topNodeAllocFactor)
		}
		if d.topNodeAllocFactor > topNodeGrowthCap*d.cfg.Domain.TopNodeAllocFactor {
			return nil, fmt.Errorf("domain: top-node arena grew %dx without fitting, giving up", topNodeGrowthCap)
		}
	}
}

func (d *Decomposer) attempt() (*Domain, error) {
	s := d.store

	// Global tallies drive the refinement limits.
	localCount := int64(s.NumPart)
	localCost := 0.0
	for i := 0; i < s.NumPart; i++ {
		localCost += d.costFactor(i)
	}
	d.totCount = mpi.AllreduceSum(d.comm, localCount)
	d.totCost = mpi.AllreduceSum(d.comm, localCost)

	dom := &Domain{}
	d.findExtent(dom)
	d.assignKeys(dom)

	tree, err := d.determineTopTree(dom, localCost)
	if err != nil {
		return nil, err
	}
	dom.Tree = tree
	dom.NTopleaves = tree.Leaves

	d.sumCost(dom)

	nseg := d.cfg.Domain.OverDecomposition * d.comm.Size()
	if dom.NTopleaves < nseg {
		return nil, fmt.Errorf("domain: %d top leaves cannot fill %d segments", dom.NTopleaves, nseg)
	}

	counts := make([]float64, dom.NTopleaves)
	for i, c := range dom.Count {
		counts[i] = float64(c)
	}

	// Work-balanced split first; segment pairing evens the particle
	// counts so memory stays balanced too.
	findSplit(dom, nseg, dom.Work)
	assignSegments(dom, nseg, d.comm.Size(), counts)

	if !d.checkMemoryBound(dom, false) {
		if d.comm.Rank() == 0 {
			countBalanceFallbacks.Inc()
			d.log.Info("work-balanced split exceeds memory bound, falling back to count balance")
		}
		findSplit(dom, nseg, counts)
		assignSegments(dom, nseg, d.comm.Size(), dom.Work)
		if !d.checkMemoryBound(dom, true) {
			return nil, errors.New("domain: no decomposition fits within the memory bound")
		}
	}

	if err := d.Exchange(dom.layout(d.store)); err != nil {
		return nil, err
	}
	return dom, nil
}

// layout returns the target rank of particle p under this domain.
func (d *Domain) layout(s *particle.Store) func(p int) int {
	return func(p int) int {
		return d.TaskForKey(s.P[p].Key)
	}
}

// findExtent fits the key grid around the global bounding cube of all
// particles.
func (d *Decomposer) findExtent(dom *Domain) {
	s := d.store
	min := []float64{math.MaxFloat64, math.MaxFloat64, math.MaxFloat64}
	max := []float64{-math.MaxFloat64, -math.MaxFloat64, -math.MaxFloat64}
	for i := 0; i < s.NumPart; i++ {
		for j := 0; j < 3; j++ {
			if s.P[i].Pos[j] < min[j] {
				min[j] = s.P[i].Pos[j]
			}
			if s.P[i].Pos[j] > max[j] {
				max[j] = s.P[i].Pos[j]
			}
		}
	}
	min = mpi.AllreduceMinSlice(d.comm, min)
	max = mpi.AllreduceMaxSlice(d.comm, max)

	length := 0.0
	for j := 0; j < 3; j++ {
		if max[j]-min[j] > length {
			length = max[j] - min[j]
		}
	}
	length *= 1.001

	for j := 0; j < 3; j++ {
		dom.Center[j] = 0.5 * (min[j] + max[j])
		dom.Corner[j] = dom.Center[j] - 0.5*length
	}
	dom.Len = length
	dom.Fac = float64(uint64(1)<<peano.BitsPerDimension) / length
}

// assignKeys stamps every particle with its curve key so the rest of
// the decomposition never recomputes it.
func (d *Decomposer) assignKeys(dom *Domain) {
	s := d.store
	parallel.WithNumGoroutines(d.nthreads).For(s.NumPart, func(i, _ int) {
		s.P[i].Key = dom.KeyForPos(s.P[i].Pos)
	})
}

// determineTopTree builds the global fiducial tree: local refine over
// the sorted key list, pairwise merge across ranks, then one more
// split pass driven by the now-global per-cell load.
func (d *Decomposer) determineTopTree(dom *Domain, localCost float64) (*TopTree, error) {
	s := d.store
	maxTopNodes := int(d.topNodeAllocFactor*float64(s.MaxPart)) + 1

	mp := make([]keyIndex, s.NumPart)
	for i := 0; i < s.NumPart; i++ {
		mp[i] = keyIndex{Key: s.P[i].Key, Index: i}
	}
	sortKeys(mp)

	tree := NewTopTree(maxTopNodes)
	tree.Reset(int64(s.NumPart), localCost)

	fineness := d.cfg.Domain.TopNodeFactor * float64(d.cfg.Domain.OverDecomposition*d.comm.Size())
	costLimit := d.totCost / fineness
	countLimit := float64(d.totCount) / fineness

	err := tree.Refine(0, countLimit, costLimit, d.costFactor, mp)
	if mpi.LogicalOrAll(d.comm, err != nil) {
		return nil, ErrTopNodesExhausted
	}

	if err := tree.Combine(d.comm); err != nil {
		return nil, err
	}

	// The merged tree may still hold cells above the limits that no
	// single rank saw in full; split them using the global load.
	full := false
	for i := 0; i < tree.N; i++ {
		n := &tree.Nodes[i]
		if n.Daughter >= 0 || n.Size <= 1 {
			continue
		}
		if float64(n.Count) <= countLimit && n.Cost <= costLimit {
			continue
		}
		if tree.N+8 > len(tree.Nodes) {
			full = true
			break
		}
		n.Daughter = int32(tree.N)
		size := n.Size >> 3
		for j := 0; j < 8; j++ {
			tree.Nodes[tree.N+j] = TopNode{
				StartKey: n.StartKey + peano.Key(j)*size,
				Size:     size,
				Parent:   int32(i),
				Daughter: -1,
				Count:    n.Count / 8,
				Cost:     n.Cost / 8,
			}
		}
		tree.N += 8
	}
	if mpi.LogicalOrAll(d.comm, full) {
		return nil, ErrTopNodesExhausted
	}

	tree.CountLeaves()
	return tree, nil
}

// sumCost measures each leaf's global work, particle count and gas
// count. Threads accumulate private partials that are folded before
// the cross-rank reduction.
func (d *Decomposer) sumCost(dom *Domain) {
	s := d.store
	nleaf := dom.Tree.Leaves
	nt := d.nthreads

	work := make([]float64, nt*nleaf)
	count := make([]int64, nt*nleaf)
	countSph := make([]int64, nt*nleaf)

	parallel.WithNumGoroutines(nt).For(s.NumPart, func(i, tid int) {
		leaf := dom.Tree.LeafForKey(s.P[i].Key)
		work[tid*nleaf+leaf] += d.costFactor(i)
		count[tid*nleaf+leaf]++
		if s.P[i].Type == particle.Gas {
			countSph[tid*nleaf+leaf]++
		}
	})
	for leaf := 0; leaf < nleaf; leaf++ {
		for tid := 1; tid < nt; tid++ {
			work[leaf] += work[tid*nleaf+leaf]
			count[leaf] += count[tid*nleaf+leaf]
			countSph[leaf] += countSph[tid*nleaf+leaf]
		}
	}

	dom.Work = mpi.AllreduceSumSlice(d.comm, work[:nleaf])
	dom.Count = mpi.AllreduceSumSlice(d.comm, count[:nleaf])
	dom.CountSph = mpi.AllreduceSumSlice(d.comm, countSph[:nleaf])
	dom.NTopleaves = nleaf
}

// checkMemoryBound verifies that the partition fits every rank's
// particle arena, with a small reserve held back.
func (d *Decomposer) checkMemoryBound(dom *Domain, logDetails bool) bool {
	ntask := d.comm.Size()
	over := d.cfg.Domain.OverDecomposition

	maxLoad := int64(reducFac * float64(d.store.MaxPart))
	maxLoadSph := int64(reducFac * float64(d.store.MaxGas))

	var worstLoad, worstSph int64
	var worstWork, sumWork float64
	var sumLoad int64
	perTask := make([]int64, ntask)
	perWork := make([]float64, ntask)

	for ta := 0; ta < ntask; ta++ {
		var load, sphLoad int64
		var work float64
		for m := 0; m < over; m++ {
			seg := ta*over + m
			for i := dom.StartList[seg]; i <= dom.EndList[seg]; i++ {
				load += dom.Count[i]
				sphLoad += dom.CountSph[i]
				work += dom.Work[i]
			}
		}
		perTask[ta] = load
		perWork[ta] = work
		sumLoad += load
		sumWork += work
		if load > worstLoad {
			worstLoad = load
		}
		if sphLoad > worstSph {
			worstSph = sphLoad
		}
		if work > worstWork {
			worstWork = work
		}
	}

	if d.comm.Rank() == 0 {
		avgLoad := float64(sumLoad) / float64(ntask)
		d.log.Info("partition balance",
			"work", worstWork/(sumWork/float64(ntask)),
			"load", float64(worstLoad)/avgLoad)
		if logDetails {
			for ta := 0; ta < ntask; ta++ {
				d.log.Info("balance breakdown", "task", ta,
					"work", perWork[ta]/(sumWork/float64(ntask)),
					"load", float64(perTask[ta])/avgLoad)
			}
		}
	}

	return worstLoad <= maxLoad && worstSph <= maxLoadSph
}
