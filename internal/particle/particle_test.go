package particle

import (
	"math"
	"testing"
)

func totalMass(s *Store) float64 {
	var m float64
	for i := 0; i < s.NumPart; i++ {
		if !s.P[i].Garbage {
			m += s.P[i].Mass
		}
	}
	return m
}

func seedStore(t *testing.T, nGas, nDM, nBH int) *Store {
	t.Helper()
	s, err := NewStore(256, 64, 16)
	if err != nil {
		t.Fatal(err)
	}
	id := uint64(1)
	for i := 0; i < nGas; i++ {
		_, err := s.AddGas(Particle{
			Pos:  [3]float64{float64(i), 0, 0},
			Mass: 1,
			ID:   id,
			Hsml: 0.1,
		}, SPH{Density: 1})
		if err != nil {
			t.Fatal(err)
		}
		id++
	}
	for i := 0; i < nDM; i++ {
		if _, err := s.Add(Particle{Type: DarkMatter, Mass: 2, ID: id}); err != nil {
			t.Fatal(err)
		}
		id++
	}
	for i := 0; i < nBH; i++ {
		if _, err := s.Add(Particle{Type: BlackHole, Mass: 5, ID: id}); err != nil {
			t.Fatal(err)
		}
		id++
	}
	if err := s.CheckLocal(); err != nil {
		t.Fatalf("fresh store violates invariants: %v", err)
	}
	return s
}

func TestAddOrdering(t *testing.T) {
	s := seedStore(t, 4, 3, 2)
	if s.NumPart != 9 || s.NumGas != 4 || s.NumBH != 2 {
		t.Fatalf("counts: total %d gas %d bh %d", s.NumPart, s.NumGas, s.NumBH)
	}
	// Gas after non-gas is an arena layout violation.
	if _, err := s.AddGas(Particle{ID: 999}, SPH{}); err == nil {
		t.Error("AddGas after non-gas particles should fail")
	}
}

func TestSpawnedID(t *testing.T) {
	base := uint64(42)
	child := SpawnedID(base, 1)
	if child&0x00ffffffffffffff != base {
		t.Errorf("spawned ID %d lost the progenitor bits", child)
	}
	if child>>56 != 1 {
		t.Errorf("spawned ID %d has generation %d, want 1", child, child>>56)
	}
	if SpawnedID(base, 2) == child {
		t.Error("successive generations must differ")
	}
}

func TestSpawn(t *testing.T) {
	s := seedStore(t, 4, 2, 0)
	total0 := totalMass(s)
	i, err := s.Spawn(1, Star, 0.4)
	if err != nil {
		t.Fatal(err)
	}
	if s.P[i].Type != Star {
		t.Errorf("child type %s, want star", s.P[i].Type)
	}
	if s.P[i].ID>>56 != 1 {
		t.Errorf("child generation %d, want 1", s.P[i].ID>>56)
	}
	if got := s.P[1].Mass; got != 0.6 {
		t.Errorf("parent mass %g, want 0.6", got)
	}
	if got := totalMass(s); math.Abs(got-total0) > 1e-12 {
		t.Errorf("total mass %g changed from %g", got, total0)
	}
	// Spawning the full mass retires the parent.
	j, err := s.Spawn(1, Star, 0.6)
	if err != nil {
		t.Fatal(err)
	}
	if !s.P[1].Garbage {
		t.Error("fully-drained parent should be marked garbage")
	}
	if s.P[j].ID>>56 != 2 {
		t.Errorf("second child generation %d, want 2", s.P[j].ID>>56)
	}
	s.GarbageCollect()
	if err := s.CheckLocal(); err != nil {
		t.Fatal(err)
	}
}

func TestRearrangeSequence(t *testing.T) {
	s := seedStore(t, 6, 2, 0)
	if err := s.ConvertGas(2, Star); err != nil {
		t.Fatal(err)
	}
	if err := s.ConvertGas(4, BlackHole); err != nil {
		t.Fatal(err)
	}
	s.RearrangeSequence()
	if s.NumGas != 4 {
		t.Fatalf("gas count %d after two conversions, want 4", s.NumGas)
	}
	if err := s.CheckLocal(); err != nil {
		t.Fatal(err)
	}
	n := s.CountTypes()
	if n[Gas] != 4 || n[Star] != 1 || n[BlackHole] != 1 || n[DarkMatter] != 2 {
		t.Errorf("type counts after rearrange: %v", n)
	}
}

func TestGarbageCollect(t *testing.T) {
	s := seedStore(t, 6, 4, 3)
	ids := make(map[uint64]bool)
	for i := 0; i < s.NumPart; i++ {
		ids[s.P[i].ID] = true
	}
	// Remove a gas particle, a dark matter particle and a black
	// hole in one sweep.
	var goneIDs []uint64
	for _, i := range []int{2, 7, s.NumPart - 1} {
		s.P[i].Garbage = true
		goneIDs = append(goneIDs, s.P[i].ID)
	}
	removed := s.GarbageCollect()
	if removed != 3 {
		t.Fatalf("removed %d, want 3", removed)
	}
	if s.NumPart != 10 || s.NumGas != 5 || s.NumBH != 2 {
		t.Fatalf("counts after gc: total %d gas %d bh %d", s.NumPart, s.NumGas, s.NumBH)
	}
	if err := s.CheckLocal(); err != nil {
		t.Fatal(err)
	}
	for _, id := range goneIDs {
		delete(ids, id)
	}
	for i := 0; i < s.NumPart; i++ {
		if !ids[s.P[i].ID] {
			t.Errorf("unexpected survivor ID %d", s.P[i].ID)
		}
		delete(ids, s.P[i].ID)
	}
	if len(ids) != 0 {
		t.Errorf("IDs lost in collection: %v", ids)
	}
}

func TestGarbageCollectSwallowedBH(t *testing.T) {
	s := seedStore(t, 2, 1, 3)
	// Swallowing drops the auxiliary record and the particle.
	var bhIdx int
	for i := s.NumGas; i < s.NumPart; i++ {
		if s.P[i].Type == BlackHole {
			bhIdx = i
			break
		}
	}
	s.BH[s.P[bhIdx].PI].Swallowed = true
	s.P[bhIdx].Garbage = true
	s.GarbageCollect()
	if s.NumBH != 2 {
		t.Fatalf("bh aux count %d, want 2", s.NumBH)
	}
	if err := s.CheckLocal(); err != nil {
		t.Fatal(err)
	}
}

func TestLocalIDsSorted(t *testing.T) {
	s := seedStore(t, 3, 3, 0)
	ids, err := s.LocalIDsSorted()
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly ascending at %d: %v", i, ids)
		}
	}
	// Force a duplicate.
	s.P[0].ID = s.P[3].ID
	if _, err := s.LocalIDsSorted(); err == nil {
		t.Error("duplicate ID must be reported")
	}
}
