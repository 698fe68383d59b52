package peano

import (
	"testing"
)

func TestHilbertKeyBijective(t *testing.T) {
	const bits = 4
	const side = 1 << bits

	seen := make(map[Key][3]uint64)
	for x := uint64(0); x < side; x++ {
		for y := uint64(0); y < side; y++ {
			for z := uint64(0); z < side; z++ {
				k := HilbertKey(x, y, z, bits)
				if k >= side*side*side {
					t.Fatalf("key %d out of range for cell (%d,%d,%d)", k, x, y, z)
				}
				if prev, dup := seen[k]; dup {
					t.Fatalf("key %d assigned to both %v and (%d,%d,%d)", k, prev, x, y, z)
				}
				seen[k] = [3]uint64{x, y, z}
			}
		}
	}
	if len(seen) != side*side*side {
		t.Fatalf("expected %d distinct keys, got %d", side*side*side, len(seen))
	}
}

func TestHilbertKeyLocality(t *testing.T) {
	// Consecutive keys must map to face-adjacent cells: that is the
	// property the whole decomposition relies on.
	const bits = 4
	const side = 1 << bits

	cells := make([][3]uint64, side*side*side)
	for x := uint64(0); x < side; x++ {
		for y := uint64(0); y < side; y++ {
			for z := uint64(0); z < side; z++ {
				cells[HilbertKey(x, y, z, bits)] = [3]uint64{x, y, z}
			}
		}
	}

	for k := 1; k < len(cells); k++ {
		a, b := cells[k-1], cells[k]
		dist := uint64(0)
		for i := 0; i < 3; i++ {
			if a[i] > b[i] {
				dist += a[i] - b[i]
			} else {
				dist += b[i] - a[i]
			}
		}
		if dist != 1 {
			t.Fatalf("keys %d and %d map to cells %v and %v (L1 distance %d)", k-1, k, a, b, dist)
		}
	}
}

func TestHilbertKeyOctantContiguity(t *testing.T) {
	// All cells inside one top-level octant must occupy one contiguous
	// key range of length Cells/8, in the order given by Subnode. The
	// top-tree descent divides key ranges by eight on this assumption.
	const bits = 4
	const side = 1 << bits
	const octRange = side * side * side / 8

	for i := uint64(0); i < 2; i++ {
		for j := uint64(0); j < 2; j++ {
			for k := uint64(0); k < 2; k++ {
				sub := Subnode(i, j, k, 1)

				lo, hi := ^Key(0), Key(0)
				for x := i * side / 2; x < (i+1)*side/2; x++ {
					for y := j * side / 2; y < (j+1)*side/2; y++ {
						for z := k * side / 2; z < (k+1)*side/2; z++ {
							key := HilbertKey(x, y, z, bits)
							if key < lo {
								lo = key
							}
							if key > hi {
								hi = key
							}
						}
					}
				}

				wantLo := Key(sub * octRange)
				if lo != wantLo || hi != wantLo+octRange-1 {
					t.Errorf("octant (%d,%d,%d): key range [%d,%d], want [%d,%d]",
						i, j, k, lo, hi, wantLo, wantLo+octRange-1)
				}
			}
		}
	}
}

func TestMortonKey(t *testing.T) {
	tests := []struct {
		x, y, z uint64
		bits    uint
		want    Key
	}{
		{0, 0, 0, 2, 0},
		{1, 0, 0, 1, 1},
		{0, 1, 0, 1, 2},
		{0, 0, 1, 1, 4},
		{1, 1, 1, 1, 7},
		{2, 0, 0, 2, 1 << 3},
		{3, 2, 1, 2, (1|2)<<3 | (1 | 4)},
	}

	for _, tt := range tests {
		if got := MortonKey(tt.x, tt.y, tt.z, tt.bits); got != tt.want {
			t.Errorf("MortonKey(%d,%d,%d,%d) = %d, want %d", tt.x, tt.y, tt.z, tt.bits, got, tt.want)
		}
	}
}

func TestKeyAndMortonAgree(t *testing.T) {
	const bits = 5
	for x := uint64(0); x < 1<<bits; x += 3 {
		for y := uint64(1); y < 1<<bits; y += 5 {
			for z := uint64(2); z < 1<<bits; z += 7 {
				h, m := KeyAndMorton(x, y, z, bits)
				if h != HilbertKey(x, y, z, bits) || m != MortonKey(x, y, z, bits) {
					t.Fatalf("KeyAndMorton(%d,%d,%d) disagrees with the single encoders", x, y, z)
				}
			}
		}
	}
}
