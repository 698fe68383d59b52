package sim

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/bluetides-project/MP-Gadget/internal/config"
	"github.com/bluetides-project/MP-Gadget/internal/mpi"
)

func TestRunRejectsBadParams(t *testing.T) {
	r := New(config.DefaultConfig(), slog.Default())
	cases := []Params{
		{Steps: 0, GridN: 4},
		{Steps: 3, GridN: 4},
		{Steps: 4, GridN: 0},
	}
	for _, p := range cases {
		if _, err := r.Run(context.Background(), p); err == nil {
			t.Errorf("params %+v accepted", p)
		}
	}
}

func TestFullStepCycle(t *testing.T) {
	cfg := config.DefaultConfig()
	r := New(cfg, slog.Default())

	// Observers fire on every rank goroutine, so the tally needs a
	// guard.
	var mu sync.Mutex
	seen := make(map[int]bool)
	r.AddObserver(ObserverFunc(func(step int, stats []RankStats) {
		mu.Lock()
		seen[step] = true
		mu.Unlock()
		if len(stats) != cfg.NTask {
			t.Errorf("step %d: %d rank stats, want %d", step, len(stats), cfg.NTask)
		}
	}))

	res, err := r.Run(context.Background(), Params{Steps: 4, GridN: 4})
	if err != nil {
		t.Fatal(err)
	}

	if res.Steps != 4 {
		t.Errorf("ran %d steps, want 4", res.Steps)
	}
	if len(seen) != 4 {
		t.Errorf("observer saw %d distinct steps, want 4", len(seen))
	}
	if res.Decompositions < 1 {
		t.Error("no decomposition ran")
	}

	total := 0
	for _, c := range res.Counts {
		total += c
	}
	if total != 64 {
		t.Errorf("final particle count %d, want 64", total)
	}

	for step, stats := range res.PerStep {
		work := 0.0
		for _, s := range stats {
			work += s.Work
			if s.NumPart < 0 {
				t.Errorf("step %d rank %d: negative count", step, s.Rank)
			}
			if math.IsNaN(s.Work) || math.IsInf(s.Work, 0) {
				t.Errorf("step %d rank %d: bad work %g", step, s.Rank, s.Work)
			}
		}
		if work <= 0 {
			t.Errorf("step %d: no gravity work recorded", step)
		}
	}
}

func TestDecomposeOnce(t *testing.T) {
	cfg := config.DefaultConfig()
	r := New(cfg, slog.Default())

	stats, err := r.DecomposeOnce(Params{GridN: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != cfg.NTask {
		t.Fatalf("%d rank stats, want %d", len(stats), cfg.NTask)
	}
	total := 0
	for rank, s := range stats {
		if s.Rank != rank {
			t.Errorf("stats[%d].Rank = %d", rank, s.Rank)
		}
		total += s.NumPart
	}
	if total != 64 {
		t.Errorf("decomposition holds %d particles, want 64", total)
	}

	if _, err := r.DecomposeOnce(Params{GridN: 0}); err == nil {
		t.Error("grid 0 accepted")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	r := New(cfg, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Run(ctx, Params{Steps: 4, GridN: 4}); err == nil {
		t.Fatal("cancelled run reported no error")
	}
}

func TestRebuildOnCountChange(t *testing.T) {
	// Well under the force-count threshold nothing is stale.
	if needRebuild(512, 512, 512, 512, 8.0) {
		t.Error("fresh decomposition flagged stale")
	}
	// Accumulated force computations eventually force a rebuild.
	if !needRebuild(512, 512, 8*512+1, 512, 8.0) {
		t.Error("force-count threshold did not trigger a rebuild")
	}
	// A changed particle count forces a rebuild immediately, in
	// either direction.
	if !needRebuild(513, 512, 512, 512, 8.0) {
		t.Error("spawned particle did not trigger a rebuild")
	}
	if !needRebuild(511, 512, 512, 512, 8.0) {
		t.Error("destroyed particle did not trigger a rebuild")
	}
}

func TestSeedControlsInitialConditions(t *testing.T) {
	lattice := func(seed uint64) [][3]float64 {
		cfg := config.DefaultConfig()
		cfg.NTask = 1
		cfg.Seed = seed
		r := New(cfg, slog.Default())
		s, err := r.seed(mpi.NewWorld(1).Comm(0), Params{GridN: 4}, 0)
		if err != nil {
			t.Fatal(err)
		}
		pos := make([][3]float64, s.NumPart)
		for i := 0; i < s.NumPart; i++ {
			pos[i] = s.P[i].Pos
		}
		return pos
	}

	a := lattice(42)
	b := lattice(42)
	c := lattice(43)

	if len(a) != 64 {
		t.Fatalf("seeded %d particles, want 64", len(a))
	}
	box := config.DefaultConfig().BoxSize
	for i, p := range a {
		for j := 0; j < 3; j++ {
			if p[j] <= 0 || p[j] >= box {
				t.Fatalf("particle %d outside the box: %v", i, p)
			}
		}
	}

	// The same seed reproduces the run; a different one perturbs it.
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seed 42 not reproducible at particle %d", i)
		}
	}
	moved := 0
	for i := range a {
		if a[i] != c[i] {
			moved++
		}
	}
	if moved == 0 {
		t.Error("changing the seed left every particle in place")
	}
}
