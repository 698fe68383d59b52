package forcetree

// Opener decides whether a node's multipole moment is accurate enough
// for a target position or has to be opened. With a previous
// acceleration available the relative-error criterion is used, else
// the fixed geometric opening angle.
type Opener struct {
	Theta  float64
	RelTol float64
}

// ShouldOpen applies the opening criterion to node no as seen from
// pos. aOld is the magnitude of the target's acceleration on the
// previous step, or zero when none exists yet.
func (o Opener) ShouldOpen(t *Tree, no int, pos [3]float64, aOld float64) bool {
	n := t.Node(no)

	r2 := 0.0
	for j := 0; j < 3; j++ {
		d := n.COM[j] - pos[j]
		r2 += d * d
	}

	if aOld > 0 {
		if n.Mass*n.Len*n.Len > r2*r2*o.RelTol*aOld {
			return true
		}
	} else if n.Len*n.Len > r2*o.Theta*o.Theta {
		return true
	}

	// Targets inside a node see an arbitrarily bad multipole no
	// matter the distance to its center of mass.
	for j := 0; j < 3; j++ {
		d := pos[j] - n.Center[j]
		if d < 0 {
			d = -d
		}
		if d > 0.6*n.Len {
			return false
		}
	}
	return true
}

// Visit is the callback set of one tree walk. Particle receives local
// particle indices, Node receives accepted multipole nodes, and
// Pseudo reports that the walk hit a remote top leaf, meaning the
// target must be exported to the owning rank for the remainder of
// that subtree. Open controls descent; a nil Open opens every node,
// taking the walk all the way down to the particles.
type Visit struct {
	Particle func(i int)
	Node     func(no int)
	Pseudo   func(leaf, task int)
	Open     func(no int) bool
}

// Walk runs the non-recursive next-node traversal from the root,
// drifting each visited node to ti. The callbacks decide what the
// walk computes; the tree only supplies geometry and ordering.
func (t *Tree) Walk(ti int64, v Visit) {
	no := t.maxPart
	for no >= 0 {
		switch {
		case no < t.maxPart:
			if v.Particle != nil {
				v.Particle(no)
			}
			no = t.nextNode[no]

		case no < t.maxPart+t.maxNodes:
			t.DriftNode(no, ti)
			n := t.Node(no)
			if v.Open == nil || v.Open(no) {
				no = n.NextNode
				continue
			}
			if v.Node != nil {
				v.Node(no)
			}
			no = n.Sibling

		default:
			leaf := t.PseudoLeaf(no)
			if v.Pseudo != nil {
				v.Pseudo(leaf, t.dom.Task[leaf])
			}
			no = t.nextNode[no-t.maxNodes]
		}
	}
}
