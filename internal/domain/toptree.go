package domain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bluetides-project/MP-Gadget/internal/mpi"
	"github.com/bluetides-project/MP-Gadget/internal/peano"
)

// ErrTopNodesExhausted reports that the top-level node arena is full.
// The decomposition driver reacts by growing the arena and retrying
// the whole phase on every rank.
var ErrTopNodesExhausted = errors.New("domain: out of top-level nodes")

// TopNode is one cell of the fiducial tree over key space. A node
// covers the key range [StartKey, StartKey+Size); an internal node has
// eight daughters of an eighth the range each, stored contiguously
// starting at Daughter.
type TopNode struct {
	StartKey peano.Key
	Size     peano.Key
	Parent   int32
	Daughter int32 // -1 for a leaf
	Leaf     int32 // leaf ordinal, filled by CountLeaves

	// PIndex is the first particle of the node in the sorted key
	// list. Only meaningful during the local refine.
	PIndex int

	Count int64
	Cost  float64
}

// TopTree is the arena the fiducial tree lives in.
type TopTree struct {
	Nodes  []TopNode
	N      int // nodes in use
	Leaves int // filled by CountLeaves
}

// NewTopTree allocates an arena for at most maxNodes nodes and
// initialises the root to cover all of key space.
func NewTopTree(maxNodes int) *TopTree {
	if maxNodes < 1 {
		maxNodes = 1
	}
	t := &TopTree{Nodes: make([]TopNode, maxNodes)}
	t.Reset(0, 0)
	return t
}

// Reset re-roots the tree with the given local count and cost.
func (t *TopTree) Reset(count int64, cost float64) {
	t.N = 1
	t.Leaves = 0
	t.Nodes[0] = TopNode{
		StartKey: 0,
		Size:     peano.Cells,
		Parent:   -1,
		Daughter: -1,
		Count:    count,
		Cost:     cost,
	}
}

// keyIndex pairs a particle's key with its arena index for the sorted
// refine pass.
type keyIndex struct {
	Key   peano.Key
	Index int
}

func sortKeys(mp []keyIndex) {
	sort.Slice(mp, func(i, j int) bool { return mp[i].Key < mp[j].Key })
}

// split attaches eight fresh daughters to node i.
func (t *TopTree) split(i int) error {
	if t.N+8 > len(t.Nodes) {
		return ErrTopNodesExhausted
	}
	t.Nodes[i].Daughter = int32(t.N)
	size := t.Nodes[i].Size >> 3
	for j := 0; j < 8; j++ {
		sub := t.N + j
		t.Nodes[sub] = TopNode{
			StartKey: t.Nodes[i].StartKey + peano.Key(j)*size,
			Size:     size,
			Parent:   int32(i),
			Daughter: -1,
			PIndex:   t.Nodes[i].PIndex,
		}
	}
	t.N += 8
	return nil
}

// Refine recursively splits node i until each cell is small enough.
// A node splits when its count or cost is above the global limit, or
// when it holds more than 80% of its parent's load (a deep clump that
// the limits alone would leave as one indivisible cell). Cells of
// fewer than 8 keys cannot split further.
func (t *TopTree) Refine(i int, countLimit, costLimit float64, costOf func(p int) float64, mp []keyIndex) error {
	if t.Nodes[i].Size < 8 {
		return nil
	}
	if float64(t.Nodes[i].Count) <= countLimit && t.Nodes[i].Cost <= costLimit {
		parent := t.Nodes[i].Parent
		if parent < 0 ||
			(float64(t.Nodes[i].Count) <= 0.8*float64(t.Nodes[parent].Count) &&
				t.Nodes[i].Cost <= 0.8*t.Nodes[parent].Cost) {
			return nil
		}
	}
	if err := t.split(i); err != nil {
		return err
	}

	// Apportion the node's particles onto the daughters. The key
	// list is sorted, so one sweep with a moving daughter cursor
	// suffices.
	d := int(t.Nodes[i].Daughter)
	j := 0
	for p := t.Nodes[i].PIndex; p < t.Nodes[i].PIndex+int(t.Nodes[i].Count); p++ {
		if j < 7 {
			for t.Nodes[d+j+1].StartKey <= mp[p].Key {
				t.Nodes[d+j+1].PIndex = p
				j++
				if j >= 7 {
					break
				}
			}
		}
		t.Nodes[d+j].Cost += costOf(mp[p].Index)
		t.Nodes[d+j].Count++
	}

	for j := 0; j < 8; j++ {
		if err := t.Refine(d+j, countLimit, costLimit, costOf, mp); err != nil {
			return err
		}
	}
	return nil
}

// addCost spreads count and cost over the subtree of node i, one
// eighth per daughter with the remainder on the first.
func (t *TopTree) addCost(i int, count int64, cost float64) {
	countB := count / 8
	countA := count - 7*countB
	cost /= 8
	for j := 0; j < 8; j++ {
		sub := int(t.Nodes[i].Daughter) + j
		c := countB
		if j == 0 {
			c = countA
		}
		t.Nodes[sub].Count += c
		t.Nodes[sub].Cost += cost
		if t.Nodes[sub].Daughter >= 0 {
			t.addCost(sub, c, cost)
		}
	}
}

// insertNode merges node noB of another tree into node noA of this
// one. Where the other tree is finer, this tree is split to match;
// where it is coarser, its load is apportioned downward.
func (t *TopTree) insertNode(other *TopTree, noA, noB int) error {
	a, b := &t.Nodes[noA], &other.Nodes[noB]
	switch {
	case b.Size < a.Size:
		if a.Daughter < 0 {
			if t.N+8 > len(t.Nodes) {
				return ErrTopNodesExhausted
			}
			// The load known to sit below this cell but not
			// yet attributed to a specific daughter is
			// spread evenly.
			count := a.Count - other.Nodes[b.Parent].Count
			cost := a.Cost - other.Nodes[b.Parent].Cost
			countB := count / 8
			countA := count - 7*countB
			costB := cost / 8
			costA := cost - 7*costB
			a.Daughter = int32(t.N)
			size := a.Size >> 3
			for j := 0; j < 8; j++ {
				c, w := countB, costB
				if j == 0 {
					c, w = countA, costA
				}
				t.Nodes[t.N+j] = TopNode{
					StartKey: a.StartKey + peano.Key(j)*size,
					Size:     size,
					Parent:   int32(noA),
					Daughter: -1,
					Count:    c,
					Cost:     w,
				}
			}
			t.N += 8
		}
		sub := int(a.Daughter) + int((b.StartKey-a.StartKey)/(a.Size>>3))
		return t.insertNode(other, sub, noB)

	case b.Size == a.Size:
		a.Count += b.Count
		a.Cost += b.Cost
		if b.Daughter >= 0 {
			for j := 0; j < 8; j++ {
				if err := t.insertNode(other, noA, int(b.Daughter)+j); err != nil {
					return err
				}
			}
		} else if a.Daughter >= 0 {
			t.addCost(noA, b.Count, b.Cost)
		}
		return nil

	default:
		// A remote cell wider than the local one cannot happen
		// when both trees descend from the same root; the merge
		// input is corrupt and the whole run must stop.
		panic(fmt.Sprintf("domain: corrupted merge, remote node range %d exceeds local %d", b.Size, a.Size))
	}
}

// Combine folds the local trees of all ranks into one global tree by
// binary doubling: at separation s, odd groups ship their tree to the
// even group below, so rank 0 ends up with the union. The result is
// then broadcast. Any rank running out of arena space aborts the fold
// collectively with ErrTopNodesExhausted.
func (t *TopTree) Combine(c *mpi.Comm) error {
	failed := false
	for sep := 1; sep < c.Size(); sep *= 2 {
		if c.Rank()%sep == 0 && !failed {
			if (c.Rank()/sep)%2 == 0 {
				src := c.Rank() + sep
				if src < c.Size() {
					n := mpi.Recv[int](c, src)
					in := mpi.Recv[[]TopNode](c, src)
					imported := &TopTree{Nodes: in, N: n}
					if t.N+n > len(t.Nodes) {
						failed = true
					} else if n > 0 {
						if err := t.insertNode(imported, 0, 0); err != nil {
							failed = true
						}
					}
				}
			} else {
				dst := c.Rank() - sep
				buf := make([]TopNode, t.N)
				copy(buf, t.Nodes[:t.N])
				mpi.Send(c, dst, t.N)
				mpi.Send(c, dst, buf)
			}
		}
		if mpi.LogicalOrAll(c, failed) {
			return ErrTopNodesExhausted
		}
	}

	n := mpi.Bcast(c, t.N, 0)
	var global []TopNode
	if c.Rank() == 0 {
		global = make([]TopNode, n)
		copy(global, t.Nodes[:n])
	}
	global = mpi.Bcast(c, global, 0)
	if mpi.LogicalOrAll(c, n > len(t.Nodes)) {
		return ErrTopNodesExhausted
	}
	copy(t.Nodes[:n], global)
	t.N = n
	return nil
}

// CountLeaves numbers the leaves in key order.
func (t *TopTree) CountLeaves() {
	t.Leaves = 0
	t.walk(0)
}

func (t *TopTree) walk(no int) {
	if t.Nodes[no].Daughter < 0 {
		t.Nodes[no].Leaf = int32(t.Leaves)
		t.Leaves++
		return
	}
	for i := 0; i < 8; i++ {
		t.walk(int(t.Nodes[no].Daughter) + i)
	}
}

// LeafForKey descends from the root to the leaf covering the key and
// returns its ordinal.
func (t *TopTree) LeafForKey(key peano.Key) int {
	no := 0
	for t.Nodes[no].Daughter >= 0 {
		no = int(t.Nodes[no].Daughter) + int((key-t.Nodes[no].StartKey)/(t.Nodes[no].Size>>3))
	}
	return int(t.Nodes[no].Leaf)
}
