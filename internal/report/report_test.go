package report

import (
	"strings"
	"testing"

	"github.com/bluetides-project/MP-Gadget/internal/sim"
)

func sampleResult() *sim.Result {
	return &sim.Result{
		Steps:          2,
		Decompositions: 1,
		TotalExports:   30,
		PerStep: [][]sim.RankStats{
			{
				{Rank: 0, NumPart: 30, Work: 100, Exports: 5},
				{Rank: 1, NumPart: 34, Work: 300, Exports: 7},
			},
			{
				{Rank: 0, NumPart: 32, Work: 110, Exports: 9},
				{Rank: 1, NumPart: 32, Work: 120, Exports: 9},
			},
		},
		Counts: []int{32, 32},
	}
}

func TestImbalance(t *testing.T) {
	res := sampleResult()
	// Step 0: mean 200, peak 300 -> 1.5x. Step 1 is nearly even.
	got := Imbalance(res)
	if got < 1.49 || got > 1.51 {
		t.Fatalf("imbalance = %v, want 1.5", got)
	}

	if Imbalance(&sim.Result{}) != 0 {
		t.Errorf("empty result should report zero imbalance")
	}
}

func TestBalanceTable(t *testing.T) {
	out := Balance(sampleResult())
	for _, want := range []string{"RANK BALANCE", "110", "120", "migrated"} {
		if !strings.Contains(out, want) {
			t.Errorf("balance table missing %q:\n%s", want, out)
		}
	}
}

func TestCharts(t *testing.T) {
	res := sampleResult()
	if out := WorkChart(res); !strings.Contains(out, "peak rank work") {
		t.Errorf("work chart missing caption:\n%s", out)
	}
	if out := ExportChart(res); !strings.Contains(out, "exports per step") {
		t.Errorf("export chart missing caption:\n%s", out)
	}
	if out := WorkChart(&sim.Result{}); out != "" {
		t.Errorf("chart of empty result should be empty, got %q", out)
	}
}

func TestSummary(t *testing.T) {
	out := Summary(sampleResult())
	for _, want := range []string{"steps", "64", "decompositions"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestStoreRoundTrip(t *testing.T) {
	st := NewStore(t.TempDir())
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}

	res := sampleResult()
	runID, err := st.Save(RunMetadata{NTask: 2, Steps: 2, GridN: 4, Seed: 42}, res)
	if err != nil {
		t.Fatal(err)
	}

	meta, err := st.Load(runID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.NTask != 2 || meta.GridN != 4 {
		t.Errorf("metadata mismatch: %+v", meta)
	}
	if meta.Decompositions != 1 || meta.TotalExports != 30 {
		t.Errorf("result fields not recorded: %+v", meta)
	}

	perStep, err := st.LoadSteps(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(perStep) != 2 || len(perStep[0]) != 2 {
		t.Fatalf("steps shape = %d x %d, want 2 x 2", len(perStep), len(perStep[0]))
	}
	if perStep[0][1].Work != 300 {
		t.Errorf("step 0 rank 1 work = %v, want 300", perStep[0][1].Work)
	}

	runs, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != runID {
		t.Errorf("list = %+v, want single run %s", runs, runID)
	}
}

func TestListMissingDir(t *testing.T) {
	st := NewStore("/nonexistent/report-test")
	runs, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs, got %d", len(runs))
	}
}
