package forcetree

import (
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/bluetides-project/MP-Gadget/internal/config"
	"github.com/bluetides-project/MP-Gadget/internal/domain"
	"github.com/bluetides-project/MP-Gadget/internal/mpi"
	"github.com/bluetides-project/MP-Gadget/internal/particle"
	"github.com/bluetides-project/MP-Gadget/internal/timeline"
)

// gridParticles fills a unit cube with n^3 unit-mass particles.
func gridParticles(n int) []particle.Particle {
	ps := make([]particle.Particle, 0, n*n*n)
	id := uint64(1)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				ps = append(ps, particle.Particle{
					Pos: [3]float64{
						(float64(i) + 0.5) / float64(n),
						(float64(j) + 0.5) / float64(n),
						(float64(k) + 0.5) / float64(n),
					},
					Mass: 1,
					Type: particle.DarkMatter,
					ID:   id,
				})
				id++
			}
		}
	}
	return ps
}

type rankState struct {
	comm  *mpi.Comm
	store *particle.Store
	dom   *domain.Domain
	tree  *Tree
}

// runRanks seeds every rank with its slice of the particle list, runs
// one decomposition and one tree build, then hands each rank to body.
// body runs inside the rank's goroutine, so collectives work.
func runRanks(t *testing.T, cfg *config.Config, all []particle.Particle, maxPart int, body func(st *rankState)) {
	t.Helper()
	w := mpi.NewWorld(cfg.NTask)
	clock, err := timeline.NewClock(cfg.TimeBegin, cfg.TimeEnd)
	if err != nil {
		t.Fatal(err)
	}
	per := (len(all) + cfg.NTask - 1) / cfg.NTask

	var wg sync.WaitGroup
	for r := 0; r < cfg.NTask; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			s, err := particle.NewStore(maxPart, maxPart, 8)
			if err != nil {
				t.Error(err)
				return
			}
			lo := min(rank*per, len(all))
			hi := min(lo+per, len(all))
			for _, p := range all[lo:hi] {
				if p.Type == particle.Gas {
					_, err = s.AddGas(p, particle.SPH{})
				} else {
					_, err = s.Add(p)
				}
				if err != nil {
					t.Error(err)
					return
				}
			}

			comm := w.Comm(rank)
			dec := domain.NewDecomposer(cfg, comm, s, slog.Default())
			dom, err := dec.Decompose()
			if err != nil {
				t.Errorf("rank %d decompose: %v", rank, err)
				return
			}
			tree := New(cfg, comm, s, clock, slog.Default())
			if err := tree.Build(dom, 0); err != nil {
				t.Errorf("rank %d build: %v", rank, err)
				return
			}
			body(&rankState{comm: comm, store: s, dom: dom, tree: tree})
		}(r)
	}
	wg.Wait()
}

func TestMomentConsistency(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NTask = 1
	all := gridParticles(4)

	runRanks(t, cfg, all, 256, func(st *rankState) {
		root := st.tree.Node(st.tree.MaxPart())
		if math.Abs(root.Mass-64) > 1e-12 {
			t.Errorf("root mass %g, want 64", root.Mass)
		}
		for j := 0; j < 3; j++ {
			if math.Abs(root.COM[j]-0.5) > 1e-12 {
				t.Errorf("root com[%d] = %g, want 0.5", j, root.COM[j])
			}
		}
		if root.Bitflags&flagMultipleParticles == 0 {
			t.Error("root not flagged as holding multiple particles")
		}

		// The flat linkage must reach every particle exactly once.
		seen := make(map[int]int)
		st.tree.Walk(0, Visit{Particle: func(i int) { seen[i]++ }})
		if len(seen) != 64 {
			t.Fatalf("walk visited %d particles, want 64", len(seen))
		}
		for i, c := range seen {
			if c != 1 {
				t.Errorf("particle %d visited %d times", i, c)
			}
		}
	})
}

func TestPseudoMomentExchange(t *testing.T) {
	cfg := config.DefaultConfig()
	all := gridParticles(4)

	runRanks(t, cfg, all, 128, func(st *rankState) {
		// Each rank holds only a quarter of the mass, but with the
		// pseudo moments filled in the root must describe everything.
		root := st.tree.Node(st.tree.MaxPart())
		if math.Abs(root.Mass-64) > 1e-9 {
			t.Errorf("rank %d: root mass %g, want 64", st.comm.Rank(), root.Mass)
		}
		for j := 0; j < 3; j++ {
			if math.Abs(root.COM[j]-0.5) > 1e-9 {
				t.Errorf("rank %d: root com[%d] = %g, want 0.5", st.comm.Rank(), j, root.COM[j])
			}
		}

		// A full walk sees each local particle once and crosses into
		// every remote leaf through a pseudo-particle.
		locals, remotes := 0, 0
		st.tree.Walk(0, Visit{
			Particle: func(int) { locals++ },
			Pseudo:   func(leaf, task int) { remotes++ },
		})
		if locals != st.store.NumPart {
			t.Errorf("rank %d: walk saw %d locals, store has %d", st.comm.Rank(), locals, st.store.NumPart)
		}
		want := 0
		for _, task := range st.dom.Task {
			if task != st.comm.Rank() {
				want++
			}
		}
		if remotes != want {
			t.Errorf("rank %d: walk saw %d pseudo leaves, want %d", st.comm.Rank(), remotes, want)
		}
	})
}

func TestOpeningCriterion(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NTask = 1
	all := gridParticles(4)

	runRanks(t, cfg, all, 256, func(st *rankState) {
		// A distant target under a loose angle accepts the root
		// monopole outright.
		far := [3]float64{8, 8, 8}
		loose := Opener{Theta: 0.5}
		nodes, parts := 0, 0
		st.tree.Walk(0, Visit{
			Node:     func(int) { nodes++ },
			Particle: func(int) { parts++ },
			Open:     func(no int) bool { return loose.ShouldOpen(st.tree, no, far, 0) },
		})
		if nodes != 1 || parts != 0 {
			t.Errorf("far walk accepted %d nodes and %d particles, want 1 and 0", nodes, parts)
		}

		// A vanishing angle opens everything down to the particles.
		strict := Opener{Theta: 1e-9}
		mass := 0.0
		st.tree.Walk(0, Visit{
			Particle: func(i int) { mass += st.store.P[i].Mass },
			Open:     func(no int) bool { return strict.ShouldOpen(st.tree, no, far, 0) },
		})
		if math.Abs(mass-64) > 1e-12 {
			t.Errorf("strict walk collected mass %g, want 64", mass)
		}

		// With a previous acceleration the relative-error criterion
		// takes over: a weakly accelerated target demands more
		// accuracy from the same node than a strongly accelerated
		// one.
		rel := Opener{Theta: 0.5, RelTol: 0.005}
		root := st.tree.MaxPart()
		if !rel.ShouldOpen(st.tree, root, far, 0.01) {
			t.Error("root not opened for a weakly accelerated target")
		}
		if rel.ShouldOpen(st.tree, root, far, 10) {
			t.Error("root opened for a strongly accelerated target")
		}

		// A target inside the box always opens the enclosing node,
		// whatever the angle says.
		inside := [3]float64{0.5, 0.5, 0.5}
		if !loose.ShouldOpen(st.tree, st.tree.MaxPart(), inside, 0) {
			t.Error("node enclosing the target not opened")
		}
	})
}

func TestKickThenDriftMovesCOM(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NTask = 1
	all := gridParticles(4)

	runRanks(t, cfg, all, 256, func(st *rankState) {
		tree := st.tree
		root := tree.Node(tree.MaxPart())
		ext := tree.Ext(tree.MaxPart())

		tree.KickNode(0, [3]float64{1, 0, 0}, 0)
		tree.FinishKick(0)

		if root.Bitflags&flagKicked == 0 {
			t.Fatal("root has no pending kick")
		}

		// Drifting applies the pending momentum first, then moves
		// the center of mass with the corrected velocity.
		ti := int64(timeline.TimeBase / 2)
		tree.DriftNode(tree.MaxPart(), ti)

		wantVel := 1.0 / 64 // unit momentum over total mass
		if math.Abs(ext.Vel[0]-wantVel) > 1e-12 {
			t.Errorf("root vel %g, want %g", ext.Vel[0], wantVel)
		}
		wantCOM := 0.5 + wantVel*0.5 // half the run in physical time
		if math.Abs(root.COM[0]-wantCOM) > 1e-12 {
			t.Errorf("root com %g, want %g", root.COM[0], wantCOM)
		}
		if root.TiCurrent.Load() != ti {
			t.Errorf("root at tick %d, want %d", root.TiCurrent.Load(), ti)
		}

		// Re-drifting to the same tick is a no-op.
		com := root.COM
		tree.DriftNode(tree.MaxPart(), ti)
		if root.COM != com {
			t.Error("second drift to the same tick moved the node")
		}
	})
}

func TestUpdateHmaxPropagates(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NTask = 1
	all := gridParticles(3)
	for i := range all {
		all[i].Type = particle.Gas
		all[i].Hsml = 0.05
	}

	runRanks(t, cfg, all, 128, func(st *rankState) {
		ext := st.tree.Ext(st.tree.MaxPart())
		if math.Abs(ext.Hmax-0.05) > 1e-12 {
			t.Fatalf("root hmax %g after build, want 0.05", ext.Hmax)
		}

		st.store.P[0].Hsml = 0.3
		st.tree.UpdateHmax(0)

		if math.Abs(ext.Hmax-0.3) > 1e-12 {
			t.Errorf("root hmax %g after update, want 0.3", ext.Hmax)
		}
	})
}

func TestCoincidentParticlesBuild(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NTask = 1
	for i := range cfg.Tree.Softening {
		cfg.Tree.Softening[i] = 0.05
	}

	all := gridParticles(3)
	at := [3]float64{0.31, 0.47, 0.64}
	for k := 0; k < 3; k++ {
		all = append(all, particle.Particle{
			Pos: at, Mass: 1, Type: particle.DarkMatter, ID: uint64(1000 + k),
		})
	}

	runRanks(t, cfg, all, 128, func(st *rankState) {
		// The deterministic tie-break must terminate the descent and
		// keep the moments exact.
		root := st.tree.Node(st.tree.MaxPart())
		if math.Abs(root.Mass-30) > 1e-9 {
			t.Errorf("root mass %g, want 30", root.Mass)
		}
		seen := 0
		st.tree.Walk(0, Visit{Particle: func(int) { seen++ }})
		if seen != 30 {
			t.Errorf("walk visited %d particles, want 30", seen)
		}
	})
}

func TestExcludedTypeStaysOut(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NTask = 1
	cfg.Tree.NoTreeType = 1 << particle.Star

	all := gridParticles(3)
	all[0].Type = particle.Star

	runRanks(t, cfg, all, 128, func(st *rankState) {
		root := st.tree.Node(st.tree.MaxPart())
		if math.Abs(root.Mass-26) > 1e-12 {
			t.Errorf("root mass %g, want 26 with one star excluded", root.Mass)
		}
		if st.tree.Father(0) != -1 {
			t.Error("excluded particle has a tree parent")
		}
		seen := 0
		st.tree.Walk(0, Visit{Particle: func(int) { seen++ }})
		if seen != 26 {
			t.Errorf("walk visited %d particles, want 26", seen)
		}
	})
}

func TestConcurrentWalksDriftOnce(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NTask = 1
	all := gridParticles(4)

	runRanks(t, cfg, all, 256, func(st *rankState) {
		tree := st.tree
		for i := 0; i < st.store.NumPart; i++ {
			tree.KickNode(i, [3]float64{0.1, 0, 0}, 0)
		}
		tree.FinishKick(0)

		// Walkers racing over the same nodes at each new tick must
		// each see fully drifted moments.
		dti := int64(timeline.TimeBase / 64)
		var ti int64
		for step := 0; step < 64; step++ {
			ti += dti
			var wg sync.WaitGroup
			for g := 0; g < 2; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					seen := 0
					tree.Walk(ti, Visit{Particle: func(int) { seen++ }})
					if seen != 64 {
						t.Errorf("walk saw %d particles, want 64", seen)
					}
				}()
			}
			wg.Wait()
		}
		if got := tree.Node(tree.MaxPart()).TiCurrent.Load(); got != ti {
			t.Errorf("root at tick %d, want %d", got, ti)
		}
	})
}

func TestInsertSpawnedParticle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NTask = 1
	all := gridParticles(3)
	for i := range all {
		all[i].Type = particle.Gas
		all[i].Hsml = 0.05
	}

	runRanks(t, cfg, all, 128, func(st *rankState) {
		child, err := st.store.Spawn(0, particle.Star, 0.5)
		if err != nil {
			t.Fatal(err)
		}
		st.tree.InsertSpawned(0, child)

		// The child sits at the parent's position, so it hangs off the
		// parent's node and the walk reaches it without a rebuild.
		if st.tree.Father(child) != st.tree.Father(0) {
			t.Errorf("child parent node %d, parent's %d", st.tree.Father(child), st.tree.Father(0))
		}
		seen := make(map[int]int)
		st.tree.Walk(0, Visit{Particle: func(i int) { seen[i]++ }})
		if len(seen) != st.store.NumPart {
			t.Fatalf("walk visited %d particles, store has %d", len(seen), st.store.NumPart)
		}
		if seen[child] != 1 {
			t.Errorf("spawned particle visited %d times, want 1", seen[child])
		}
	})
}
