package timeline

import (
	"math"
	"testing"
)

func TestClockTime(t *testing.T) {
	c, err := NewClock(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Time(0); got != 0 {
		t.Errorf("Time(0) = %g, want 0", got)
	}
	if got := c.Time(TimeBase); got != 1 {
		t.Errorf("Time(TimeBase) = %g, want 1", got)
	}
	if got := c.Time(TimeBase / 2); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("Time(TimeBase/2) = %g, want 0.5", got)
	}
}

func TestNewClockRejectsEmptyInterval(t *testing.T) {
	if _, err := NewClock(1, 1); err == nil {
		t.Error("expected error for zero-length interval")
	}
	if _, err := NewClock(2, 1); err == nil {
		t.Error("expected error for inverted interval")
	}
}

func TestDriftFactor(t *testing.T) {
	c, _ := NewClock(0, 2)
	got := c.DriftFactor(0, TimeBase/4)
	if math.Abs(got-0.5) > 1e-12 {
		t.Errorf("DriftFactor = %g, want 0.5", got)
	}
	if c.DriftFactor(100, 100) != 0 {
		t.Error("zero-length drift must be exactly zero")
	}
}

func TestBinTicks(t *testing.T) {
	cases := []struct {
		bin  uint8
		want int64
	}{
		{0, TimeBase},
		{1, 2},
		{5, 32},
		{MaxTimeBin, TimeBase},
	}
	for _, tc := range cases {
		if got := BinTicks(tc.bin); got != tc.want {
			t.Errorf("BinTicks(%d) = %d, want %d", tc.bin, got, tc.want)
		}
	}
}

func TestCostFactorOrdering(t *testing.T) {
	// A particle on a short step is visited more often and must
	// weigh more in the balance than one on a long step.
	fast := CostFactor(1, 2)
	slow := CostFactor(1, 10)
	if fast <= slow {
		t.Errorf("bin 2 cost %g should exceed bin 10 cost %g", fast, slow)
	}
	// An unassigned bin spans the whole run, the same as the
	// deepest bin.
	if CostFactor(0, 0) != CostFactor(0, MaxTimeBin) {
		t.Error("bin 0 should weigh like the longest step")
	}
}
