// Package forcetree builds the local gravitational oct-tree over the
// decomposed particle set and keeps it usable across timesteps.
//
// The tree is seeded with an empty skeleton mirroring the global
// top-level tree, so every remote subdomain has a correctly positioned
// slot before any local particle is inserted. Remote subdomains appear
// as pseudo-particles whose multipole moments are filled in from their
// owning ranks. Between rebuilds the tree is kept current by lazy
// per-node drift and deferred kicks instead of a full reconstruction.
package forcetree

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dgravesa/go-parallel/parallel"

	"github.com/bluetides-project/MP-Gadget/internal/config"
	"github.com/bluetides-project/MP-Gadget/internal/domain"
	"github.com/bluetides-project/MP-Gadget/internal/mpi"
	"github.com/bluetides-project/MP-Gadget/internal/particle"
	"github.com/bluetides-project/MP-Gadget/internal/peano"
	"github.com/bluetides-project/MP-Gadget/internal/timeline"
)

// ErrTreeNodesExhausted reports that the node arena could not hold the
// tree even after the bounded growth retries.
var ErrTreeNodesExhausted = errors.New("forcetree: out of tree nodes")

// growth factor and the alloc-factor bound of the rebuild retry loop.
const (
	treeGrowth    = 1.15
	treeGrowthCap = 5.0
)

// Node bitflags. The softening type of the heaviest-softened particle
// below a node lives in the byte above these.
const (
	flagTopLevel uint32 = 1 << iota // part of the global skeleton
	flagInternalTopLevel
	flagDependsOnLocalMass
	flagMultipleParticles
	flagKicked
	flagMixedSofts
)

const (
	softTypeShift        = 8
	softTypeMask  uint32 = 0xff << softTypeShift
	softTypeNone  uint32 = 0xff
)

// momentFlagMask covers the bits that travel with a leaf's multipole
// moments during the pseudo-particle exchange.
const momentFlagMask = flagMultipleParticles | flagMixedSofts | softTypeMask

// Node is one cell of the oct-tree. Suns carries the eight child slots
// during construction only; once the moments are computed the
// Mass/COM/linkage fields describe the node and Suns goes stale.
//
// Child slot values follow the arena index convention: [0, MaxPart)
// are particle indices, [MaxPart, MaxPart+MaxNodes) are node indices
// and anything at or above MaxPart+MaxNodes is a pseudo-particle
// standing in for a remote top-level leaf.
type Node struct {
	Len    float64
	Center [3]float64

	Suns [8]int

	Mass     float64
	COM      [3]float64
	Sibling  int
	NextNode int
	Father   int
	Bitflags uint32

	// TiCurrent is the integer time the spatial moments are valid
	// at; lazy drift advances it. Stored last under the node's
	// guard and loaded in the unguarded fast path, so a walk thread
	// that sees the current timestamp also sees the drifted
	// moments.
	TiCurrent atomic.Int64

	mu sync.Mutex
}

// ExtNode carries the velocity-side moments and the deferred-kick
// state of a node.
type ExtNode struct {
	Vel     [3]float64 // velocity of the center of mass
	Dp      [3]float64 // accumulated momentum kicks, applied on drift
	Hmax    float64
	Vmax    float64
	DivVmax float64

	TiLastKicked int64
	Flag         uint32
}

// Tree is one rank's force tree. It stays valid until the next domain
// decomposition; Build may be called again on the same Tree to
// reconstruct it, keeping the grown node budget.
type Tree struct {
	cfg   *config.Config
	comm  *mpi.Comm
	store *particle.Store
	clock *timeline.Clock
	log   *slog.Logger

	dom *domain.Domain

	maxPart  int
	maxNodes int
	numNodes int

	nodes    []Node
	ext      []ExtNode
	nextNode []int
	father   []int
	leafNode []int // tree node of each top-level leaf

	// globFlag stamps which kick epoch a top-level node was last
	// recorded in; changed lists the nodes of the current epoch.
	globFlag uint32
	changed  []int

	globalMu    sync.Mutex
	allocFactor float64
	nthreads    int
}

// New prepares a tree bound to one rank's store. The node arena is
// allocated by Build, which needs a decomposition first.
func New(cfg *config.Config, comm *mpi.Comm, store *particle.Store, clock *timeline.Clock, log *slog.Logger) *Tree {
	if log == nil {
		log = slog.Default()
	}
	return &Tree{
		cfg:         cfg,
		comm:        comm,
		store:       store,
		clock:       clock,
		log:         log.With("rank", comm.Rank()),
		allocFactor: cfg.Tree.AllocFactor,
		nthreads:    cfg.NumThreads,
	}
}

// MaxPart returns the particle-index bound of the arena convention.
func (t *Tree) MaxPart() int { return t.maxPart }

// Store returns the particle store the tree was built over.
func (t *Tree) Store() *particle.Store { return t.store }

// MaxNodes returns the node capacity of the current arena.
func (t *Tree) MaxNodes() int { return t.maxNodes }

// NumNodes returns the number of nodes in use.
func (t *Tree) NumNodes() int { return t.numNodes }

// Node returns the node at arena index no.
func (t *Tree) Node(no int) *Node { return &t.nodes[no-t.maxPart] }

// Ext returns the extension record of the node at arena index no.
func (t *Tree) Ext(no int) *ExtNode { return &t.ext[no-t.maxPart] }

// Father returns the parent node of a local particle, or -1 when the
// particle is excluded from the tree.
func (t *Tree) Father(i int) int { return t.father[i] }

// LeafNode returns the tree node holding a top-level leaf. For a leaf
// owned elsewhere the node carries the remote subtree's moments after
// the pseudo exchange.
func (t *Tree) LeafNode(leaf int) int { return t.leafNode[leaf] }

// IsPseudo reports whether an arena index denotes a remote top leaf.
func (t *Tree) IsPseudo(no int) bool { return no >= t.maxPart+t.maxNodes }

// PseudoLeaf returns the top-level leaf a pseudo index stands for.
func (t *Tree) PseudoLeaf(no int) int { return no - t.maxPart - t.maxNodes }

// excluded reports whether a particle type stays out of the tree.
func (t *Tree) excluded(ty particle.Type) bool {
	return t.cfg.Tree.NoTreeType&(1<<ty) != 0
}

// Build constructs the tree over the local particles of the given
// decomposition at integer time ti. On node-arena exhaustion every
// rank grows its arena by the same factor and reconstructs; the growth
// is bounded and exceeding the bound fails the build on all ranks.
func (t *Tree) Build(dom *domain.Domain, ti int64) error {
	t.dom = dom
	t.maxPart = t.store.MaxPart

	for {
		t.maxNodes = int(t.allocFactor*float64(t.maxPart)) + dom.Tree.N
		t.allocate()

		n, ok := t.buildSingle(ti)
		if mpi.AllreduceMin(t.comm, boolToInt(ok)) == 1 {
			t.numNodes = n
			break
		}
		if t.allocFactor > treeGrowthCap {
			return ErrTreeNodesExhausted
		}
		t.allocFactor *= treeGrowth
		treeRetries.Inc()
		t.log.Info("growing tree arena", "alloc_factor", t.allocFactor)
	}

	t.flagLocalNodes()
	t.exchangePseudoData()
	if dom.Tree.Nodes[0].Daughter >= 0 {
		t.updatePseudoMoments(t.maxPart)
	}

	// Arm the first kick epoch: moments stamped the current flag,
	// so the next top-level touch must see a fresh one.
	t.globFlag++
	t.changed = t.changed[:0]

	treeBuilds.Inc()
	t.log.Debug("tree built", "nodes", t.numNodes, "max_nodes", t.maxNodes)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (t *Tree) allocate() {
	t.nodes = make([]Node, t.maxNodes+1)
	t.ext = make([]ExtNode, t.maxNodes+1)
	t.nextNode = make([]int, t.maxPart+t.dom.NTopleaves)
	t.father = make([]int, t.maxPart)
	t.leafNode = make([]int, t.dom.NTopleaves)
	for i := range t.father {
		t.father[i] = -1
	}
}

// buildSingle constructs the local tree. It returns false when the
// node arena filled up; the caller then grows and retries.
func (t *Tree) buildSingle(ti int64) (int, bool) {
	s := t.store

	root := t.Node(t.maxPart)
	root.Len = t.dom.Len
	root.Center = t.dom.Center
	for j := range root.Suns {
		root.Suns[j] = -1
	}

	numNodes := 1
	nfree := t.maxPart + 1
	t.createEmptyNodes(t.maxPart, 0, 1, 0, 0, 0, &numNodes, &nfree)
	if t.dom.Tree.Nodes[0].Daughter < 0 {
		// Unrefined top tree: the root is the single top leaf.
		t.leafNode[0] = t.maxPart
	}

	// Keys are pure functions of position; compute them up front so
	// the serial insertion below does no arithmetic but descent.
	keys := make([]peano.Key, s.NumPart)
	mortons := make([]peano.Key, s.NumPart)
	parallel.WithNumGoroutines(t.nthreads).For(s.NumPart, func(i, _ int) {
		keys[i], mortons[i] = t.dom.KeyAndMorton(s.P[i].Pos)
	})

	for i := 0; i < s.NumPart; i++ {
		if t.excluded(s.P[i].Type) {
			continue
		}

		key, morton := keys[i], mortons[i]
		shift := 3 * (peano.BitsPerDimension - 1)

		no := 0
		for t.dom.Tree.Nodes[no].Daughter >= 0 {
			tn := &t.dom.Tree.Nodes[no]
			no = int(tn.Daughter) + int((key-tn.StartKey)/(tn.Size>>3))
			shift -= 3
		}
		th := t.leafNode[t.dom.Tree.Nodes[no].Leaf]

		parent, subnode, rep := -1, 0, 0
		for {
			if th >= t.maxPart {
				n := t.Node(th)
				if shift >= 0 {
					subnode = int((morton >> uint(shift)) & 7)
				} else {
					subnode = geometricSubnode(s.P[i].Pos, n.Center)
				}
				if n.Len < 1e-3*t.cfg.Tree.Softening[s.P[i].Type] {
					// Near-coincident particles: break the tie with a
					// deterministic pseudo-random subnode so the
					// descent terminates. Moments stay exact.
					subnode = tieBreak(s.P[i].ID, rep)
					rep++
				}

				nn := n.Suns[subnode]
				shift -= 3
				if nn >= 0 {
					parent = th
					th = nn
				} else {
					n.Suns[subnode] = i
					break
				}
			} else {
				// Splitting a single-particle leaf: push a fresh
				// internal node under the parent slot and move the
				// resident particle down.
				if numNodes >= t.maxNodes {
					return 0, false
				}
				pn := t.Node(parent)
				pn.Suns[subnode] = nfree

				n := t.Node(nfree)
				n.Len = 0.5 * pn.Len
				half := 0.25 * pn.Len
				for j := 0; j < 3; j++ {
					if subnode&(1<<j) != 0 {
						n.Center[j] = pn.Center[j] + half
					} else {
						n.Center[j] = pn.Center[j] - half
					}
				}
				for j := range n.Suns {
					n.Suns[j] = -1
				}

				if shift >= 0 {
					subnode = int((mortons[th] >> uint(shift)) & 7)
				} else {
					subnode = geometricSubnode(s.P[th].Pos, n.Center)
				}
				if n.Len < 1e-3*t.cfg.Tree.Softening[s.P[th].Type] {
					subnode = tieBreak(s.P[th].ID, rep)
					rep++
				}
				n.Suns[subnode] = th

				th = nfree
				numNodes++
				nfree++
			}
		}
	}

	t.insertPseudoParticles()

	last := -1
	t.updateMoments(t.maxPart, -1, -1, ti, &last)
	t.setNext(last, -1)

	return numNodes, true
}

// geometricSubnode picks the octant of pos relative to a node center,
// used once the Morton bit budget is exhausted.
func geometricSubnode(pos, center [3]float64) int {
	sub := 0
	for j := 0; j < 3; j++ {
		if pos[j] > center[j] {
			sub |= 1 << j
		}
	}
	return sub
}

// tieBreak maps a particle identity and retry count to an octant.
func tieBreak(id uint64, rep int) int {
	h := id + uint64(rep)*0x9e3779b97f4a7c15
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return int(h & 7)
}

// createEmptyNodes instantiates the skeleton mirroring the global
// top-level tree. Every rank runs the same recursion over the same
// tree, so skeleton node indices agree across ranks; cross-rank
// messages can therefore name top-level nodes by arena index.
func (t *Tree) createEmptyNodes(no, topnode, bits int, x, y, z uint64, nodeCount, nextFree *int) {
	top := t.dom.Tree.Nodes
	if top[topnode].Daughter < 0 {
		return
	}
	for i := uint64(0); i < 2; i++ {
		for j := uint64(0); j < 2; j++ {
			for k := uint64(0); k < 2; k++ {
				sub := peano.Subnode(x<<1+i, y<<1+j, z<<1+k, uint(bits))
				slot := int(i + 2*j + 4*k)

				if *nodeCount >= t.maxNodes {
					// maxNodes includes the full top-tree size, so
					// the skeleton always fits.
					panic("forcetree: skeleton exceeds node arena")
				}

				pn := t.Node(no)
				pn.Suns[slot] = *nextFree

				n := t.Node(*nextFree)
				half := 0.25 * pn.Len
				n.Len = 0.5 * pn.Len
				n.Center[0] = pn.Center[0] + (2*float64(i)-1)*half
				n.Center[1] = pn.Center[1] + (2*float64(j)-1)*half
				n.Center[2] = pn.Center[2] + (2*float64(k)-1)*half
				for m := range n.Suns {
					n.Suns[m] = -1
				}

				daughter := int(top[topnode].Daughter) + sub
				if top[daughter].Daughter < 0 {
					t.leafNode[top[daughter].Leaf] = *nextFree
				}

				created := *nextFree
				*nextFree++
				*nodeCount++

				t.createEmptyNodes(created, daughter, bits+1, x<<1+i, y<<1+j, z<<1+k, nodeCount, nextFree)
			}
		}
	}
}

// insertPseudoParticles drops one placeholder per top leaf owned
// elsewhere. Their moments arrive in the pseudo exchange.
func (t *Tree) insertPseudoParticles() {
	for leaf, no := range t.leafNode {
		if t.dom.Task[leaf] != t.comm.Rank() {
			t.Node(no).Suns[0] = t.maxPart + t.maxNodes + leaf
		}
	}
}

// setNext threads the flat next-node linkage for any arena index.
func (t *Tree) setNext(from, to int) {
	switch {
	case from < 0:
	case from < t.maxPart:
		t.nextNode[from] = to
	case from < t.maxPart+t.maxNodes:
		t.Node(from).NextNode = to
	default:
		t.nextNode[from-t.maxNodes] = to
	}
}

// updateMoments computes the multipole moments of node no and its
// subtree bottom-up, threading the next-node linkage in traversal
// order as it goes. last tracks the previously visited arena index.
func (t *Tree) updateMoments(no, sib, father int, ti int64, last *int) {
	if no < t.maxPart || no >= t.maxPart+t.maxNodes {
		// Single particle or pseudo-particle: thread it and record
		// the particle's parent.
		t.setNext(*last, no)
		*last = no
		if no < t.maxPart {
			t.father[no] = father
		}
		return
	}

	n := t.Node(no)
	suns := n.Suns
	t.setNext(*last, no)
	*last = no

	var mass, hmax, vmax, divVmax float64
	var com, vel [3]float64
	countParticles := 0
	maxSoftType := softTypeNone
	var diffSoft uint32

	for j := 0; j < 8; j++ {
		p := suns[j]
		if p < 0 {
			continue
		}

		nextSib := sib
		for jj := j + 1; jj < 8; jj++ {
			if suns[jj] >= 0 {
				nextSib = suns[jj]
				break
			}
		}
		t.updateMoments(p, nextSib, no, ti, last)

		switch {
		case p >= t.maxPart+t.maxNodes:
			// Pseudo-particle: zero mass until the exchange.
		case p >= t.maxPart:
			cn, ce := t.Node(p), t.Ext(p)
			mass += cn.Mass
			for k := 0; k < 3; k++ {
				com[k] += cn.Mass * cn.COM[k]
				vel[k] += cn.Mass * ce.Vel[k]
			}
			if cn.Mass > 0 {
				if cn.Bitflags&flagMultipleParticles != 0 {
					countParticles += 2
				} else {
					countParticles++
				}
			}
			hmax = math.Max(hmax, ce.Hmax)
			vmax = math.Max(vmax, ce.Vmax)
			divVmax = math.Max(divVmax, ce.DivVmax)

			diffSoft |= cn.Bitflags & flagMixedSofts
			maxSoftType, diffSoft = t.mergeSoftType(maxSoftType, cn.Bitflags>>softTypeShift&softTypeNone, diffSoft)
		default:
			pa := &t.store.P[p]
			countParticles++
			mass += pa.Mass
			for k := 0; k < 3; k++ {
				com[k] += pa.Mass * pa.Pos[k]
				vel[k] += pa.Mass * float64(pa.Vel[k])
				vmax = math.Max(vmax, math.Abs(float64(pa.Vel[k])))
			}
			if pa.Type == particle.Gas {
				hmax = math.Max(hmax, float64(pa.Hsml))
				divVmax = math.Max(divVmax, float64(t.store.Sph[p].DivVel))
			}
			maxSoftType, diffSoft = t.mergeSoftType(maxSoftType, uint32(pa.Type), diffSoft)
		}
	}

	if mass > 0 {
		for k := 0; k < 3; k++ {
			com[k] /= mass
			vel[k] /= mass
		}
	} else {
		com = n.Center
		vel = [3]float64{}
	}

	n.TiCurrent.Store(ti)
	n.Mass = mass
	n.COM = com
	n.Sibling = sib
	n.Father = father

	flags := diffSoft | maxSoftType<<softTypeShift
	if countParticles > 1 {
		flags |= flagMultipleParticles
	}
	n.Bitflags = flags

	e := t.Ext(no)
	e.Vel = vel
	e.Dp = [3]float64{}
	e.Hmax = hmax
	e.Vmax = vmax
	e.DivVmax = divVmax
	e.TiLastKicked = ti
	e.Flag = t.globFlag
}

// mergeSoftType folds one child's softening class into the node's,
// flagging when children with different softenings mix.
func (t *Tree) mergeSoftType(have, child uint32, diff uint32) (uint32, uint32) {
	if child == softTypeNone {
		return have, diff
	}
	if have == softTypeNone {
		return child, diff
	}
	soft := &t.cfg.Tree.Softening
	switch {
	case soft[child] > soft[have]:
		return child, flagMixedSofts
	case soft[child] < soft[have]:
		return have, flagMixedSofts
	}
	return have, diff
}

// InsertSpawned splices a freshly spawned particle into the tree next
// to its parent, without a rebuild. The child shares the parent's
// position, so it goes into the same node: it is threaded into the
// next-node order right after the parent and inherits the parent's
// father. Node moments are left alone; the spawn carved its mass out
// of the parent, so the subtree totals are unchanged.
func (t *Tree) InsertSpawned(parent, child int) {
	t.nextNode[child] = t.nextNode[parent]
	t.nextNode[parent] = child
	t.father[child] = t.father[parent]
	if f := t.father[parent]; f >= 0 {
		t.Node(f).Bitflags |= flagMultipleParticles
	}
}

// flagLocalNodes marks the skeleton: every ancestor of a top leaf is
// part of the top-level tree, interior skeleton nodes get their own
// flag, and the ancestors of locally owned leaves are marked as
// depending on local mass.
func (t *Tree) flagLocalNodes() {
	for leaf := range t.leafNode {
		for no := t.leafNode[leaf]; no >= 0; no = t.Node(no).Father {
			if t.Node(no).Bitflags&flagTopLevel != 0 {
				break
			}
			t.Node(no).Bitflags |= flagTopLevel
		}
		for no := t.Node(t.leafNode[leaf]).Father; no >= 0; no = t.Node(no).Father {
			if t.Node(no).Bitflags&flagInternalTopLevel != 0 {
				break
			}
			t.Node(no).Bitflags |= flagInternalTopLevel
		}
	}

	for leaf, task := range t.dom.Task {
		if task != t.comm.Rank() {
			continue
		}
		for no := t.leafNode[leaf]; no >= 0; no = t.Node(no).Father {
			if t.Node(no).Bitflags&flagDependsOnLocalMass != 0 {
				break
			}
			t.Node(no).Bitflags |= flagDependsOnLocalMass
		}
	}
}
