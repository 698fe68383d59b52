package domain

import "sort"

// findSplit chops the leaf sequence into nseg contiguous segments of
// roughly equal total weight. The running-average criterion keeps
// early segments from hoarding weight, and the tail guard makes sure
// every remaining segment can still get at least one leaf.
func findSplit(dom *Domain, nseg int, weight []float64) {
	ndomain := len(weight)
	total := 0.0
	for _, w := range weight {
		total += w
	}
	avg := total / float64(nseg)

	dom.StartList = make([]int, nseg)
	dom.EndList = make([]int, nseg)

	before, avgBefore := 0.0, 0.0
	start := 0
	for i := 0; i < nseg; i++ {
		end := start
		w := weight[end]
		for (w+before < avg+avgBefore) || (i == nseg-1 && end < ndomain-1) {
			if ndomain-end > nseg-i {
				end++
			} else {
				break
			}
			w += weight[end]
		}
		dom.StartList[i] = start
		dom.EndList[i] = end
		before += w
		avgBefore += avg
		start = end + 1
	}
}

// assignSegments maps the nseg segments onto ntask ranks by repeated
// pairing: segment groups are sorted by accumulated weight and the
// lightest group is merged with the heaviest, halving the group count
// until one group per rank remains. Needs nseg/ntask to be a power of
// two.
func assignSegments(dom *Domain, nseg, ntask int, weight []float64) {
	task := make([]int, nseg)
	for n := range task {
		task[n] = n
	}

	type groupLoad struct {
		load   float64
		origin int
	}

	ndomains := nseg
	for ndomains > ntask {
		groups := make([]groupLoad, ndomains)
		for i := range groups {
			groups[i].origin = i
		}
		for n := 0; n < nseg; n++ {
			for i := dom.StartList[n]; i <= dom.EndList[n]; i++ {
				groups[task[n]].load += weight[i]
			}
		}
		sort.Slice(groups, func(a, b int) bool { return groups[a].load < groups[b].load })

		target := make([]int, ndomains)
		for i := 0; i < ndomains/2; i++ {
			target[groups[i].origin] = i
			target[groups[ndomains-1-i].origin] = i
		}
		for n := 0; n < nseg; n++ {
			task[n] = target[task[n]]
		}
		ndomains /= 2
	}

	// Regroup the segment list so each rank's segments are listed
	// together, and stamp the per-leaf ownership.
	type seg struct {
		task, start, end int
	}
	segs := make([]seg, nseg)
	for n := 0; n < nseg; n++ {
		segs[n] = seg{task: task[n], start: dom.StartList[n], end: dom.EndList[n]}
	}
	sort.SliceStable(segs, func(a, b int) bool { return segs[a].task < segs[b].task })

	dom.Task = make([]int, len(weight))
	for n := 0; n < nseg; n++ {
		dom.StartList[n] = segs[n].start
		dom.EndList[n] = segs[n].end
		for i := segs[n].start; i <= segs[n].end; i++ {
			dom.Task[i] = segs[n].task
		}
	}
}
