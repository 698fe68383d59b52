// Package particle holds the per-process particle arrays. The layout
// is a dense arena: gas particles always occupy the prefix [0, NumGas)
// of the main array so gas-only loops run over a contiguous range, and
// black holes carry an index (PI) into a separate auxiliary array that
// stays densely packed in its own right.
package particle

import (
	"fmt"
	"slices"

	"github.com/bluetides-project/MP-Gadget/internal/peano"
)

// Type classifies a particle. The numeric values are load-bearing:
// they index the per-type counters and softening tables.
type Type uint8

const (
	Gas Type = iota
	DarkMatter
	DiskStar
	BulgeStar
	Star
	BlackHole

	NTypes = 6
)

func (t Type) String() string {
	switch t {
	case Gas:
		return "gas"
	case DarkMatter:
		return "dm"
	case DiskStar:
		return "disk"
	case BulgeStar:
		return "bulge"
	case Star:
		return "star"
	case BlackHole:
		return "bh"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Generation-encoded IDs: the top byte counts how many times a gas
// particle has spawned from the same progenitor, the low 56 bits are
// the progenitor ID.
const (
	idMask          uint64 = 0x00ffffffffffffff
	generationShift        = 56
)

// SpawnedID derives the ID of the generation-th particle spawned from
// the progenitor with the given ID.
func SpawnedID(progenitor uint64, generation uint8) uint64 {
	return (progenitor & idMask) | uint64(generation)<<generationShift
}

// Particle is one record of the main arena.
type Particle struct {
	Pos  [3]float64
	Mass float64
	Vel  [3]float32

	// GravCost is the measured work of the last force evaluation,
	// used to weight the domain balance.
	GravCost float32

	// OldAcc is the magnitude of the previous gravitational
	// acceleration. Zero until the first force evaluation; the tree
	// walk switches from the geometric to the relative opening
	// criterion once it is set.
	OldAcc float32

	// Hsml is the SPH smoothing length (gas) or the interaction
	// radius (black holes).
	Hsml float32

	ID uint64

	// Key is the particle's space-filling-curve key. It is only
	// valid during a domain decomposition; no other phase may read
	// it.
	Key peano.Key

	Type       Type
	TimeBin    uint8
	Generation uint8

	// PI indexes the black-hole auxiliary array for Type ==
	// BlackHole. Gas particles share their main-array index with
	// their SPH record instead.
	PI int32

	// OnAnotherDomain and WillExport are scratch flags owned by the
	// exchange engine.
	OnAnotherDomain bool
	WillExport      bool

	// Garbage marks the particle for removal at the next
	// collection.
	Garbage bool
}

// SPH holds the gas-only fields. Sph[i] belongs to P[i] for every
// i < NumGas.
type SPH struct {
	Density float32
	EntVar  float32
	DivVel  float32
	DtHsml  float32
}

// BHRecord holds the black-hole-only fields. ReverseLink points back
// at the owning slot in the main array and is kept correct across
// every compaction and migration.
type BHRecord struct {
	ReverseLink int32
	ID          uint64
	Mass        float64
	Mdot        float64
	CountProgs  int32
	Swallowed   bool
}

// Store is the per-process particle arena.
type Store struct {
	P   []Particle
	Sph []SPH
	BH  []BHRecord

	NumPart int // live particles, P[0:NumPart]
	NumGas  int // gas prefix, P[0:NumGas]
	NumBH   int // live BH auxiliary records, BH[0:NumBH]

	MaxPart int
	MaxGas  int
	MaxBH   int
}

// NewStore allocates an arena with the given capacities.
func NewStore(maxPart, maxGas, maxBH int) (*Store, error) {
	if maxPart < 1 {
		return nil, fmt.Errorf("particle: max capacity %d < 1", maxPart)
	}
	if maxGas > maxPart {
		return nil, fmt.Errorf("particle: gas capacity %d exceeds total %d", maxGas, maxPart)
	}
	return &Store{
		P:       make([]Particle, maxPart),
		Sph:     make([]SPH, maxGas),
		BH:      make([]BHRecord, maxBH),
		MaxPart: maxPart,
		MaxGas:  maxGas,
		MaxBH:   maxBH,
	}, nil
}

// AddGas appends a gas particle. Gas must be seeded before any other
// species so the prefix invariant holds from the start.
func (s *Store) AddGas(p Particle, sph SPH) (int, error) {
	if s.NumGas != s.NumPart {
		return 0, fmt.Errorf("particle: gas must be added before other species (gas %d, total %d)", s.NumGas, s.NumPart)
	}
	if s.NumGas >= s.MaxGas || s.NumPart >= s.MaxPart {
		return 0, fmt.Errorf("particle: gas arena full (%d)", s.MaxGas)
	}
	p.Type = Gas
	i := s.NumPart
	s.P[i] = p
	s.Sph[i] = sph
	s.NumPart++
	s.NumGas++
	return i, nil
}

// Add appends a non-gas particle. A black hole also gets an auxiliary
// record threaded through PI.
func (s *Store) Add(p Particle) (int, error) {
	if p.Type == Gas {
		return 0, fmt.Errorf("particle: use AddGas for gas particles")
	}
	if s.NumPart >= s.MaxPart {
		return 0, fmt.Errorf("particle: arena full (%d)", s.MaxPart)
	}
	i := s.NumPart
	if p.Type == BlackHole {
		if s.NumBH >= s.MaxBH {
			return 0, fmt.Errorf("particle: black hole arena full (%d)", s.MaxBH)
		}
		p.PI = int32(s.NumBH)
		s.BH[s.NumBH] = BHRecord{ReverseLink: int32(i), ID: p.ID, Mass: p.Mass}
		s.NumBH++
	}
	s.P[i] = p
	s.NumPart++
	return i, nil
}

// Spawn creates a new particle of the given type from a gas parent,
// splitting off the given mass. The child inherits position, velocity
// and time bin; its ID encodes the parent's next generation. Returns
// the child index.
func (s *Store) Spawn(parent int, t Type, mass float64) (int, error) {
	if parent < 0 || parent >= s.NumGas {
		return 0, fmt.Errorf("particle: spawn parent %d is not a gas particle", parent)
	}
	if mass <= 0 || mass > s.P[parent].Mass {
		return 0, fmt.Errorf("particle: spawn mass %g out of (0, %g]", mass, s.P[parent].Mass)
	}
	s.P[parent].Generation++
	child := Particle{
		Pos:        s.P[parent].Pos,
		Vel:        s.P[parent].Vel,
		Mass:       mass,
		Type:       t,
		TimeBin:    s.P[parent].TimeBin,
		Generation: s.P[parent].Generation,
		ID:         SpawnedID(s.P[parent].ID, s.P[parent].Generation),
	}
	i, err := s.Add(child)
	if err != nil {
		return 0, err
	}
	s.P[parent].Mass -= mass
	if s.P[parent].Mass == 0 {
		s.P[parent].Garbage = true
	}
	return i, nil
}

// ConvertGas changes the type of a gas particle in place. The particle
// stays inside the gas prefix until the next RearrangeSequence call
// moves it out.
func (s *Store) ConvertGas(i int, t Type) error {
	if i < 0 || i >= s.NumGas {
		return fmt.Errorf("particle: convert target %d is not a gas particle", i)
	}
	if t == Gas {
		return nil
	}
	if t == BlackHole {
		if s.NumBH >= s.MaxBH {
			return fmt.Errorf("particle: black hole arena full (%d)", s.MaxBH)
		}
		s.P[i].PI = int32(s.NumBH)
		s.BH[s.NumBH] = BHRecord{ReverseLink: int32(i), ID: s.P[i].ID, Mass: s.P[i].Mass}
		s.NumBH++
	}
	s.P[i].Type = t
	return nil
}

// RearrangeSequence restores the gas prefix after type conversions:
// any particle inside [0, NumGas) that is no longer gas is swapped to
// the prefix boundary. Call before any phase that iterates the gas
// range.
func (s *Store) RearrangeSequence() {
	for i := 0; i < s.NumGas; i++ {
		if s.P[i].Type == Gas {
			continue
		}
		last := s.NumGas - 1
		s.swap(i, last)
		s.NumGas--
		i-- // the particle swapped in needs a look too
	}
}

// GarbageCollect removes every particle marked Garbage, keeping the
// arena dense and the gas prefix intact, then compacts the black-hole
// auxiliary array. Returns how many particles were removed.
func (s *Store) GarbageCollect() int {
	removed := 0

	// Gas region first. Removing a gas particle leaves a hole at
	// the prefix boundary, which the last particle overall fills.
	for i := 0; i < s.NumGas; i++ {
		if !s.P[i].Garbage {
			continue
		}
		s.swap(i, s.NumGas-1)
		s.NumGas--
		s.swap(s.NumGas, s.NumPart-1)
		s.NumPart--
		removed++
		i--
	}

	// Non-gas tail.
	for i := s.NumGas; i < s.NumPart; i++ {
		if !s.P[i].Garbage {
			continue
		}
		s.swap(i, s.NumPart-1)
		s.NumPart--
		removed++
		i--
	}

	s.compactBH()
	return removed
}

// compactBH drops auxiliary records whose particle is gone or that are
// marked swallowed, re-threading PI and ReverseLink as records move.
func (s *Store) compactBH() {
	for bi := 0; bi < s.NumBH; bi++ {
		pid := int(s.BH[bi].ReverseLink)
		alive := !s.BH[bi].Swallowed &&
			pid >= 0 && pid < s.NumPart &&
			s.P[pid].Type == BlackHole && int(s.P[pid].PI) == bi
		if alive {
			continue
		}
		last := s.NumBH - 1
		if bi != last {
			s.BH[bi] = s.BH[last]
			moved := int(s.BH[bi].ReverseLink)
			if moved >= 0 && moved < s.NumPart && s.P[moved].Type == BlackHole {
				s.P[moved].PI = int32(bi)
			}
		}
		s.NumBH--
		bi--
	}
}

// swap exchanges two slots of the main array, carrying the SPH record
// when both sides sit in the gas range and fixing black-hole
// back-references.
func (s *Store) swap(i, j int) {
	if i == j {
		return
	}
	s.P[i], s.P[j] = s.P[j], s.P[i]
	if i < s.MaxGas && j < s.MaxGas {
		s.Sph[i], s.Sph[j] = s.Sph[j], s.Sph[i]
	}
	s.fixReverseLink(i)
	s.fixReverseLink(j)
}

func (s *Store) fixReverseLink(i int) {
	if s.P[i].Type == BlackHole {
		pi := int(s.P[i].PI)
		if pi >= 0 && pi < s.MaxBH {
			s.BH[pi].ReverseLink = int32(i)
		}
	}
}

// CountTypes tallies the live particles per type.
func (s *Store) CountTypes() [NTypes]int64 {
	var n [NTypes]int64
	for i := 0; i < s.NumPart; i++ {
		n[s.P[i].Type]++
	}
	return n
}

// CheckLocal verifies the packing invariants: gas occupies exactly
// [0, NumGas) and every black hole's auxiliary record points back at
// it with a matching ID.
func (s *Store) CheckLocal() error {
	for i := 0; i < s.NumPart; i++ {
		isGas := s.P[i].Type == Gas
		if isGas != (i < s.NumGas) {
			return fmt.Errorf("particle: slot %d (type %s) violates the gas prefix [0,%d)", i, s.P[i].Type, s.NumGas)
		}
		if s.P[i].Type == BlackHole {
			pi := int(s.P[i].PI)
			if pi < 0 || pi >= s.NumBH {
				return fmt.Errorf("particle: black hole %d has PI %d outside [0,%d)", i, pi, s.NumBH)
			}
			if s.BH[pi].ID != s.P[i].ID {
				return fmt.Errorf("particle: black hole %d (ID %d) and auxiliary %d (ID %d) disagree", i, s.P[i].ID, pi, s.BH[pi].ID)
			}
			if int(s.BH[pi].ReverseLink) != i {
				return fmt.Errorf("particle: auxiliary %d links to %d, not its owner %d", pi, s.BH[pi].ReverseLink, i)
			}
		}
	}
	return nil
}

// LocalIDsSorted returns the live particle IDs in ascending order and
// an error if any local duplicate exists. The distributed uniqueness
// check builds on this per-process step.
func (s *Store) LocalIDsSorted() ([]uint64, error) {
	ids := make([]uint64, s.NumPart)
	for i := 0; i < s.NumPart; i++ {
		ids[i] = s.P[i].ID
	}
	slices.Sort(ids)
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			return nil, fmt.Errorf("particle: duplicate ID %d", ids[i])
		}
	}
	return ids, nil
}
