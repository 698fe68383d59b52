package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/bluetides-project/MP-Gadget/internal/mpi"
	"github.com/bluetides-project/MP-Gadget/internal/particle"
)

// ErrPlanInfeasible reports that the repair negotiation could not trim
// the migration plan into every destination's capacity within the
// configured round limit.
var ErrPlanInfeasible = errors.New("domain: migration plan cannot be repaired")

// Scratch accounting per migrating particle. Conservative record
// sizes; only the ratio to the budget matters.
const (
	partBytes = 160
	sphBytes  = 24
	bhBytes   = 48
)

// plan holds one exchange iteration's per-destination quotas and the
// matching receive counts.
type plan struct {
	toGo, toGoSph, toGoBh    []int
	toGet, toGetSph, toGetBh []int
}

func (pl *plan) exchangeCounts(c *mpi.Comm) {
	pl.toGet = mpi.Alltoall(c, pl.toGo)
	pl.toGetSph = mpi.Alltoall(c, pl.toGoSph)
	pl.toGetBh = mpi.Alltoall(c, pl.toGoBh)
}

func sameSlice(a, b []int) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

func sum(xs []int) int {
	t := 0
	for _, x := range xs {
		t += x
	}
	return t
}

// Exchange migrates every particle flagged for another rank by the
// layout function. Iterates until nothing is left to move; each
// iteration is bounded by the scratch budget, so a tight budget just
// means more passes.
func (d *Decomposer) Exchange(layout func(p int) int) error {
	s := d.store

	for i := 0; i < s.NumPart; i++ {
		s.P[i].OnAnotherDomain = layout(i) != d.comm.Rank()
		s.P[i].WillExport = false
	}

	limit := d.cfg.Domain.ExchangeScratchBytes
	if limit <= 0 {
		limit = math.MaxInt64
	}

	iter := 0
	for {
		pl, partial, err := d.countToGo(limit, layout)
		if err != nil {
			return err
		}

		sumToGo := mpi.AllreduceSum(d.comm, int64(sum(pl.toGo)))
		if d.comm.Rank() == 0 {
			exchangeIterations.Inc()
			migratedParticles.Add(float64(sumToGo))
			d.log.Info("exchanging particles", "iter", iter, "count", sumToGo)
		}

		d.exchangeOnce(pl, layout)
		iter++
		if !partial {
			return nil
		}
	}
}

// countToGo fills per-destination quotas under the scratch budget and
// flags the chosen particles for export. When any rank ran out of
// budget the resulting partial plan may overflow a destination, so the
// repair negotiation runs before the plan is used. The second return
// says whether another iteration will be needed.
func (d *Decomposer) countToGo(limit int64, layout func(p int) int) (*plan, bool, error) {
	s := d.store
	ntask := d.comm.Size()
	pl := &plan{
		toGo:    make([]int, ntask),
		toGoSph: make([]int, ntask),
		toGoBh:  make([]int, ntask),
	}

	const pkg = partBytes + sphBytes + bhBytes
	nlimit := limit
	if pkg >= nlimit {
		return nil, false, fmt.Errorf("domain: scratch budget %d cannot hold a single particle", limit)
	}

	for n := 0; n < s.NumPart; n++ {
		if pkg >= nlimit {
			break
		}
		if !s.P[n].OnAnotherDomain {
			continue
		}
		target := layout(n)
		if target == d.comm.Rank() {
			continue
		}
		pl.toGo[target]++
		nlimit -= partBytes
		if s.P[n].Type == particle.Gas {
			pl.toGoSph[target]++
			nlimit -= sphBytes
		}
		if s.P[n].Type == particle.BlackHole {
			pl.toGoBh[target]++
			nlimit -= bhBytes
		}
		s.P[n].WillExport = true
	}

	pl.exchangeCounts(d.comm)

	partial := mpi.LogicalOrAll(d.comm, pkg >= nlimit)
	if partial {
		// A partial plan is built from whatever fit the budget,
		// with no guarantee the interim state respects capacity
		// on every destination; trim it until it does.
		if err := d.repairPlan(pl, layout); err != nil {
			return nil, false, err
		}
	}
	return pl, partial, nil
}

// repairPlan trims senders' quotas round-robin, one unit at a time
// with every step broadcast, until every destination's interim
// occupancy fits its arena. Bounded by the configured round limit;
// all ranks compute the same round count, so they give up together.
func (d *Decomposer) repairPlan(pl *plan, layout func(p int) int) error {
	c := d.comm
	ntask := c.Size()
	s := d.store

	listNumPart := mpi.Allgather(c, s.NumPart)
	listNSph := mpi.Allgather(c, s.NumGas)
	listNBh := mpi.Allgather(c, s.NumBH)
	listMaxPart := mpi.Allgather(c, s.MaxPart)
	listMaxSph := mpi.Allgather(c, s.MaxGas)
	listMaxBh := mpi.Allgather(c, s.MaxBH)

	for {
		flagsum := 0
		for {
			flag := 0
			for ta := 0; ta < ntask; ta++ {
				var totals [6]int
				if c.Rank() == ta {
					totals = [6]int{
						sum(pl.toGo), sum(pl.toGet),
						sum(pl.toGoSph), sum(pl.toGetSph),
						sum(pl.toGoBh), sum(pl.toGetBh),
					}
				}
				totals = mpi.Bcast(c, totals, ta)

				over := listNSph[ta] + totals[3] - totals[2] - listMaxSph[ta]
				if over > 0 {
					flag = 1
					d.trimQuota(pl.toGoSph, pl.toGetSph, pl, ta, over, flagsum)
				}
				over = listNBh[ta] + totals[5] - totals[4] - listMaxBh[ta]
				if over > 0 {
					flag = 1
					d.trimQuota(pl.toGoBh, pl.toGetBh, pl, ta, over, flagsum)
				}
				over = listNumPart[ta] + totals[1] - totals[0] - listMaxPart[ta]
				if over > 0 {
					flag = 1
					d.trimQuota(pl.toGo, pl.toGet, pl, ta, over, flagsum)
				}
			}
			flagsum += flag
			if c.Rank() == 0 && flag != 0 {
				repairRounds.Inc()
			}
			if flagsum > d.cfg.Domain.RepairRoundLimit {
				return fmt.Errorf("%w after %d rounds", ErrPlanInfeasible, flagsum)
			}
			if flag == 0 {
				break
			}
		}
		if flagsum == 0 {
			return nil
		}
		// Quotas shrank; rebuild the export flags to match and
		// refresh the receive counts.
		d.rebuildExportFlags(pl, layout)
		pl.exchangeCounts(c)
	}
}

// trimQuota removes `over` units destined for rank ta, visiting
// senders round-robin. Every decrement is confirmed by broadcast so
// all ranks keep identical books, including ta's receive counts.
func (d *Decomposer) trimQuota(goQuota, getQuota []int, pl *plan, ta, over, round int) {
	c := d.comm
	ntask := c.Size()
	i := round % ntask
	for over > 0 {
		cut := false
		if c.Rank() == i && goQuota[ta] > 0 {
			goQuota[ta]--
			cut = true
		}
		cut = mpi.Bcast(c, cut, i)
		if cut {
			if c.Rank() == ta {
				getQuota[i]--
				// A trimmed species quota shrinks the
				// total receive count too.
				if !sameSlice(goQuota, pl.toGo) {
					pl.toGet[i]--
				}
			}
			over--
		}
		i++
		if i >= ntask {
			i = 0
		}
	}
}

// rebuildExportFlags re-marks particles for export so the number per
// destination and species exactly matches the (possibly trimmed)
// quotas.
func (d *Decomposer) rebuildExportFlags(pl *plan, layout func(p int) int) {
	s := d.store
	ntask := d.comm.Size()
	local := make([]int, ntask)
	localSph := make([]int, ntask)
	localBh := make([]int, ntask)

	for n := 0; n < s.NumPart; n++ {
		if !s.P[n].OnAnotherDomain {
			continue
		}
		s.P[n].WillExport = false
		target := layout(n)
		switch s.P[n].Type {
		case particle.Gas:
			if localSph[target] < pl.toGoSph[target] && local[target] < pl.toGo[target] {
				local[target]++
				localSph[target]++
				s.P[n].WillExport = true
			}
		case particle.BlackHole:
			if localBh[target] < pl.toGoBh[target] && local[target] < pl.toGo[target] {
				local[target]++
				localBh[target]++
				s.P[n].WillExport = true
			}
		default:
			if local[target] < pl.toGo[target] {
				local[target]++
				s.P[n].WillExport = true
			}
		}
	}

	copy(pl.toGo, local)
	copy(pl.toGoSph, localSph)
	copy(pl.toGoBh, localBh)
}

// exchangeOnce packs flagged particles into per-destination buffers,
// removes them locally, runs the sparse all-to-all and splices the
// arrivals in: gas extends the prefix, everything else the tail, and
// black-hole records are re-threaded in arrival order.
func (d *Decomposer) exchangeOnce(pl *plan, layout func(p int) int) {
	s := d.store
	c := d.comm
	ntask := c.Size()

	sphPartBuf := make([][]particle.Particle, ntask)
	sphDataBuf := make([][]particle.SPH, ntask)
	partBuf := make([][]particle.Particle, ntask)
	bhBuf := make([][]particle.BHRecord, ntask)

	for n := 0; n < s.NumPart; n++ {
		if !(s.P[n].OnAnotherDomain && s.P[n].WillExport) {
			continue
		}
		target := layout(n)
		s.P[n].OnAnotherDomain = false
		s.P[n].WillExport = false

		p := s.P[n]
		switch p.Type {
		case particle.Gas:
			sphPartBuf[target] = append(sphPartBuf[target], p)
			sphDataBuf[target] = append(sphDataBuf[target], s.Sph[n])
		case particle.BlackHole:
			bhBuf[target] = append(bhBuf[target], s.BH[p.PI])
			p.PI = int32(len(bhBuf[target]) - 1)
			partBuf[target] = append(partBuf[target], p)
		default:
			partBuf[target] = append(partBuf[target], p)
		}
		s.P[n].Garbage = true
	}

	for i := 0; i < ntask; i++ {
		if len(sphPartBuf[i]) != pl.toGoSph[i] ||
			len(bhBuf[i]) != pl.toGoBh[i] ||
			len(partBuf[i]) != pl.toGo[i]-pl.toGoSph[i] {
			panic(fmt.Sprintf("domain: packed counts for rank %d disagree with the plan", i))
		}
	}

	s.GarbageCollect()

	recvSphPart := mpi.AlltoallvSparse(c, sphPartBuf)
	recvSphData := mpi.AlltoallvSparse(c, sphDataBuf)
	recvPart := mpi.AlltoallvSparse(c, partBuf)
	recvBh := mpi.AlltoallvSparse(c, bhBuf)

	getSph, getOther, getBh := 0, 0, 0
	for i := 0; i < ntask; i++ {
		getSph += len(recvSphPart[i])
		getOther += len(recvPart[i])
		getBh += len(recvBh[i])
	}

	if s.NumPart+getSph+getOther > s.MaxPart {
		panic(fmt.Sprintf("domain: rank %d receiving %d particles beyond capacity %d", c.Rank(), getSph+getOther, s.MaxPart))
	}
	if s.NumGas+getSph > s.MaxGas {
		panic(fmt.Sprintf("domain: rank %d receiving %d gas particles beyond capacity %d", c.Rank(), getSph, s.MaxGas))
	}
	if s.NumBH+getBh > s.MaxBH {
		panic(fmt.Sprintf("domain: rank %d receiving %d black holes beyond capacity %d", c.Rank(), getBh, s.MaxBH))
	}

	// Open a gas-sized gap at the prefix boundary.
	if getSph > 0 {
		copy(s.P[s.NumGas+getSph:s.NumPart+getSph], s.P[s.NumGas:s.NumPart])
	}
	idx := s.NumGas
	for src := 0; src < ntask; src++ {
		for k := range recvSphPart[src] {
			s.P[idx] = recvSphPart[src][k]
			s.Sph[idx] = recvSphData[src][k]
			idx++
		}
	}
	s.NumGas += getSph
	s.NumPart += getSph

	for src := 0; src < ntask; src++ {
		bi := 0
		for _, p := range recvPart[src] {
			if p.Type == particle.BlackHole {
				rec := recvBh[src][bi]
				bi++
				p.PI = int32(s.NumBH)
				rec.ReverseLink = int32(s.NumPart)
				s.BH[s.NumBH] = rec
				s.NumBH++
			}
			s.P[s.NumPart] = p
			s.NumPart++
		}
		if bi != len(recvBh[src]) {
			panic(fmt.Sprintf("domain: rank %d received %d black hole records from %d but %d black holes", c.Rank(), len(recvBh[src]), src, bi))
		}
	}

	// The gap shift moved black holes without their records
	// knowing; re-thread every back-reference.
	for i := 0; i < s.NumPart; i++ {
		if s.P[i].Type == particle.BlackHole {
			s.BH[s.P[i].PI].ReverseLink = int32(i)
		}
	}

	if err := s.CheckLocal(); err != nil {
		panic(fmt.Sprintf("domain: arena invariant broken after exchange: %v", err))
	}
}
