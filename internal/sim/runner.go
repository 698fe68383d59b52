// Package sim drives the decomposition and force-tree machinery
// through whole timesteps: it spawns the rank goroutines, seeds the
// particle set, and per step runs decompose-if-stale, tree build,
// gravity walk, deferred kick and drift.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sync"

	"github.com/dgravesa/go-parallel/parallel"

	"github.com/bluetides-project/MP-Gadget/internal/config"
	"github.com/bluetides-project/MP-Gadget/internal/domain"
	"github.com/bluetides-project/MP-Gadget/internal/forcetree"
	"github.com/bluetides-project/MP-Gadget/internal/mpi"
	"github.com/bluetides-project/MP-Gadget/internal/particle"
	"github.com/bluetides-project/MP-Gadget/internal/timeline"
)

// Runner executes complete runs. One Runner may be reused for several
// runs; each Run spawns a fresh world of rank goroutines.
type Runner struct {
	cfg       *config.Config
	log       *slog.Logger
	observers []Observer
}

func New(cfg *config.Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, log: log}
}

func (r *Runner) AddObserver(o Observer) { r.observers = append(r.observers, o) }

// Run executes params.Steps global timesteps over cfg.NTask ranks and
// returns the gathered statistics. The context is polled once per
// step, collectively, so every rank stops at the same step.
func (r *Runner) Run(ctx context.Context, params Params) (*Result, error) {
	if err := r.validate(params); err != nil {
		return nil, err
	}

	w := mpi.NewWorld(r.cfg.NTask)
	results := make([]*Result, r.cfg.NTask)
	errs := make([]error, r.cfg.NTask)

	var wg sync.WaitGroup
	for rank := 0; rank < r.cfg.NTask; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			results[rank], errs[rank] = r.runRank(ctx, w.Comm(rank), params)
		}(rank)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results[0], nil
}

func (r *Runner) validate(params Params) error {
	if params.Steps < 1 {
		return fmt.Errorf("sim: steps %d < 1", params.Steps)
	}
	if params.Steps&(params.Steps-1) != 0 || params.Steps > timeline.TimeBase {
		return fmt.Errorf("sim: steps %d must be a power of two dividing the time base", params.Steps)
	}
	if params.GridN < 1 {
		return fmt.Errorf("sim: grid %d < 1", params.GridN)
	}
	return nil
}

func (r *Runner) runRank(ctx context.Context, comm *mpi.Comm, params Params) (*Result, error) {
	cfg := r.cfg
	log := r.log.With("rank", comm.Rank())

	clock, err := timeline.NewClock(cfg.TimeBegin, cfg.TimeEnd)
	if err != nil {
		return nil, err
	}

	dti := int64(timeline.TimeBase / params.Steps)
	bin := uint8(bits.TrailingZeros64(uint64(dti)))

	store, err := r.seed(comm, params, bin)
	if err != nil {
		return nil, err
	}

	dec := domain.NewDecomposer(cfg, comm, store, log)
	tree := forcetree.New(cfg, comm, store, clock, log)
	opener := forcetree.Opener{Theta: cfg.Tree.ErrTolTheta, RelTol: cfg.Tree.ErrTolForceAcc}

	totalN := mpi.AllreduceSum(comm, int64(store.NumPart))
	hasGas := mpi.AllreduceSum(comm, int64(store.NumGas)) > 0

	res := &Result{}
	var dom *domain.Domain
	var ti int64
	needDomain := true
	forcesSince := int64(0)
	builtN := int64(0)

	for step := 0; step < params.Steps; step++ {
		if mpi.LogicalOrAll(comm, ctx.Err() != nil) {
			return res, context.Cause(ctx)
		}

		migrated := 0
		if needDomain {
			before := store.NumPart
			store.RearrangeSequence()
			if dom, err = dec.Decompose(); err != nil {
				return res, err
			}
			if err = tree.Build(dom, ti); err != nil {
				return res, err
			}
			migrated = store.NumPart - before
			if migrated < 0 {
				migrated = -migrated
			}
			res.Decompositions++
			builtN = mpi.AllreduceSum(comm, int64(store.NumPart))
			forcesSince = 0
			needDomain = false
		}

		accel, exports := r.gravity(tree, opener, ti)
		r.kickAndDrift(tree, clock, accel, ti, dti, bin)
		if hasGas {
			tree.UpdateHmax(ti + dti)
		}

		ti += dti
		clock.Advance(dti)

		curN := mpi.AllreduceSum(comm, int64(store.NumPart))
		forcesSince += curN
		if needRebuild(curN, builtN, forcesSince, float64(totalN), cfg.Domain.UpdateFrequency) {
			needDomain = true
		}

		work := 0.0
		for i := 0; i < store.NumPart; i++ {
			work += float64(store.P[i].GravCost)
		}
		stats := mpi.Allgather(comm, RankStats{
			Rank:     comm.Rank(),
			NumPart:  store.NumPart,
			Work:     work,
			Exports:  exports,
			Migrated: migrated,
		})

		res.Steps++
		res.TotalExports += sumExports(stats)
		res.PerStep = append(res.PerStep, stats)
		for _, o := range r.observers {
			o.OnStep(step, stats)
		}
	}

	res.Counts = make([]int, comm.Size())
	for rank, s := range mpi.Allgather(comm, store.NumPart) {
		res.Counts[rank] = s
	}
	return res, nil
}

// needRebuild decides when the decomposition has gone stale: enough
// force computations have accumulated since the last build, or the
// global particle count moved away from the count the tree was built
// over, which happens when particles are spawned or destroyed.
func needRebuild(curN, builtN, forcesSince int64, total, freq float64) bool {
	if curN != builtN {
		return true
	}
	return float64(forcesSince) > freq*total
}

func sumExports(stats []RankStats) int {
	total := 0
	for _, s := range stats {
		total += s.Exports
	}
	return total
}

// DecomposeOnce seeds the lattice and runs a single decomposition
// without stepping, returning the resulting per-rank particle counts.
func (r *Runner) DecomposeOnce(params Params) ([]RankStats, error) {
	if params.GridN < 1 {
		return nil, fmt.Errorf("sim: grid %d < 1", params.GridN)
	}

	w := mpi.NewWorld(r.cfg.NTask)
	out := make([][]RankStats, r.cfg.NTask)
	errs := make([]error, r.cfg.NTask)

	var wg sync.WaitGroup
	for rank := 0; rank < r.cfg.NTask; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			comm := w.Comm(rank)
			store, err := r.seed(comm, params, 0)
			if err != nil {
				errs[rank] = err
				return
			}
			before := store.NumPart
			dec := domain.NewDecomposer(r.cfg, comm, store, r.log.With("rank", comm.Rank()))
			if _, err := dec.Decompose(); err != nil {
				errs[rank] = err
				return
			}
			migrated := store.NumPart - before
			if migrated < 0 {
				migrated = -migrated
			}
			out[rank] = mpi.Allgather(comm, RankStats{
				Rank:     comm.Rank(),
				NumPart:  store.NumPart,
				Migrated: migrated,
			})
		}(rank)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out[0], nil
}

// seed lays the rank's contiguous slice of a GridN^3 unit lattice into
// a fresh store sized by the configured allocation factor.
func (r *Runner) seed(comm *mpi.Comm, params Params, bin uint8) (*particle.Store, error) {
	n := params.GridN
	total := n * n * n
	per := (total + comm.Size() - 1) / comm.Size()
	lo := min(comm.Rank()*per, total)
	hi := min(lo+per, total)

	maxPart := int(r.cfg.Domain.PartAllocFactor * float64(total) / float64(comm.Size()))
	if maxPart < hi-lo {
		maxPart = hi - lo
	}
	store, err := particle.NewStore(maxPart, maxPart, 8)
	if err != nil {
		return nil, err
	}

	box := r.cfg.BoxSize
	spacing := box / float64(n)
	base := splitmix64(r.cfg.Seed)
	for idx := lo; idx < hi; idx++ {
		i, rest := idx/(n*n), idx%(n*n)
		j, k := rest/n, rest%n
		pos := [3]float64{
			box * (float64(i) + 0.5) / float64(n),
			box * (float64(j) + 0.5) / float64(n),
			box * (float64(k) + 0.5) / float64(n),
		}
		// Break the lattice symmetry with a seed-keyed offset. The
		// amplitude keeps every particle inside its own cell, so the
		// hash depends only on the seed and the lattice index, never
		// on the rank that seeded it.
		for a := 0; a < 3; a++ {
			u := splitmix64(base + uint64(3*idx+a))
			pos[a] += spacing * 0.3 * (2*float64(u>>11)/(1<<53) - 1)
		}
		_, err := store.Add(particle.Particle{
			Pos: pos,
			Mass:    1,
			Type:    particle.DarkMatter,
			ID:      uint64(idx + 1),
			TimeBin: bin,
		})
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

// splitmix64 is the finalizer of the splitmix generator, used as a
// stateless hash so ranks can seed their slices independently.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// gravity runs one tree walk per local particle, accumulating
// softened monopole accelerations into scratch and the walk length
// into each particle's gravity cost. Walks run fork-join across the
// configured threads with thread-local export tallies.
func (r *Runner) gravity(tree *forcetree.Tree, opener forcetree.Opener, ti int64) ([][3]float64, int) {
	store := tree.Store()
	nt := r.cfg.NumThreads

	accel := make([][3]float64, store.NumPart)
	exports := make([]int, nt)

	parallel.WithNumGoroutines(nt).For(store.NumPart, func(i, tid int) {
		target := &store.P[i]
		eps := r.cfg.Tree.Softening[target.Type]
		eps2 := eps * eps

		var a [3]float64
		interactions := 0
		aOld := float64(target.OldAcc)

		tree.Walk(ti, forcetree.Visit{
			Open: func(no int) bool {
				return opener.ShouldOpen(tree, no, target.Pos, aOld)
			},
			Particle: func(p int) {
				if p == i {
					return
				}
				addForce(&a, target.Pos, store.P[p].Pos, store.P[p].Mass, eps2)
				interactions++
			},
			Node: func(no int) {
				n := tree.Node(no)
				addForce(&a, target.Pos, n.COM, n.Mass, eps2)
				interactions++
			},
			Pseudo: func(leaf, task int) {
				// The remote subtree cannot be opened locally; fall
				// back to the whole leaf's moment, which the pseudo
				// exchange installed on its top-level node.
				n := tree.Node(tree.LeafNode(leaf))
				addForce(&a, target.Pos, n.COM, n.Mass, eps2)
				interactions++
				exports[tid]++
			},
		})

		accel[i] = a
		target.GravCost = float32(interactions)
		target.OldAcc = float32(math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2]))
	})

	total := 0
	for _, e := range exports {
		total += e
	}
	return accel, total
}

// addForce adds the Plummer-softened monopole pull of mass m at pos
// onto the acceleration of a target at from.
func addForce(a *[3]float64, from, pos [3]float64, m, eps2 float64) {
	var dr [3]float64
	r2 := eps2
	for j := 0; j < 3; j++ {
		dr[j] = pos[j] - from[j]
		r2 += dr[j] * dr[j]
	}
	inv := m / (r2 * math.Sqrt(r2))
	for j := 0; j < 3; j++ {
		a[j] += dr[j] * inv
	}
}

// kickAndDrift applies this step's velocity changes, both to the
// particles and as deferred node kicks, exchanges the top-level kick
// deltas, and then drifts the particles to the end of the step.
func (r *Runner) kickAndDrift(tree *forcetree.Tree, clock *timeline.Clock, accel [][3]float64, ti, dti int64, bin uint8) {
	store := tree.Store()
	dt := clock.DriftFactor(ti, ti+dti)

	for i := 0; i < store.NumPart; i++ {
		dv := [3]float64{accel[i][0] * dt, accel[i][1] * dt, accel[i][2] * dt}
		tree.KickNode(i, dv, ti)
		for j := 0; j < 3; j++ {
			store.P[i].Vel[j] += float32(dv[j])
		}
		store.P[i].TimeBin = bin
	}
	tree.FinishKick(ti)

	for i := 0; i < store.NumPart; i++ {
		for j := 0; j < 3; j++ {
			store.P[i].Pos[j] += float64(store.P[i].Vel[j]) * dt
		}
	}
}
