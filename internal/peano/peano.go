// Package peano maps bounded 3-D positions to Peano-Hilbert keys and
// their companion Morton codes. The Hilbert key orders cells along a
// space-filling curve so that contiguous key ranges correspond to
// spatially coherent regions; every level of the key-range oct-tree
// used by the domain decomposition covers exactly one cubic octant.
package peano

// BitsPerDimension is the key resolution per axis. Three interleaved
// axes fill 63 bits of a Key.
const BitsPerDimension = 21

// Key is a spatial index on the domain grid, either a Hilbert index or
// a Morton code depending on which encoder produced it.
type Key uint64

// Cells is the number of curve cells along the full key range.
const Cells Key = 1 << (3 * BitsPerDimension)

// HilbertKey returns the Hilbert-curve index of the grid cell (x, y, z)
// on a grid with 2^bits cells per side. Only the low bits of each
// coordinate participate; callers map positions into the grid first.
func HilbertKey(x, y, z uint64, bits uint) Key {
	mask := uint64(1)<<bits - 1
	c := [3]uint64{x & mask, y & mask, z & mask}

	// Skilling's transpose form: fold each level's rotation and
	// reflection into the coordinates top-down.
	for q := uint64(1) << (bits - 1); q > 1; q >>= 1 {
		p := q - 1
		for i := 0; i < 3; i++ {
			if c[i]&q != 0 {
				c[0] ^= p
			} else {
				t := (c[0] ^ c[i]) & p
				c[0] ^= t
				c[i] ^= t
			}
		}
	}

	// Gray-encode.
	c[1] ^= c[0]
	c[2] ^= c[1]
	t := uint64(0)
	for q := uint64(1) << (bits - 1); q > 1; q >>= 1 {
		if c[2]&q != 0 {
			t ^= q - 1
		}
	}
	c[0] ^= t
	c[1] ^= t
	c[2] ^= t

	// Interleave the transposed bits, most significant level first.
	var key Key
	for b := int(bits) - 1; b >= 0; b-- {
		key = key<<1 | Key((c[0]>>uint(b))&1)
		key = key<<1 | Key((c[1]>>uint(b))&1)
		key = key<<1 | Key((c[2]>>uint(b))&1)
	}
	return key
}

// MortonKey returns the bit-interleaved Morton code of (x, y, z). Each
// 3-bit group, most significant level first, is the geometric subnode
// index x + 2y + 4z at that level, matching the subnode convention of
// the force tree descent.
func MortonKey(x, y, z uint64, bits uint) Key {
	var key Key
	for b := int(bits) - 1; b >= 0; b-- {
		oct := (x>>uint(b))&1 | (y>>uint(b))&1<<1 | (z>>uint(b))&1<<2
		key = key<<3 | Key(oct)
	}
	return key
}

// KeyAndMorton returns the Hilbert key and Morton code of a cell in one
// call. The tree build needs both: the Hilbert key locates the owning
// top-level leaf, the Morton code drives the subnode descent.
func KeyAndMorton(x, y, z uint64, bits uint) (Key, Key) {
	return HilbertKey(x, y, z, bits), MortonKey(x, y, z, bits)
}

// Subnode extracts the Hilbert-order child index of the octant holding
// the coarse cell (x, y, z) at the given level, i.e. the position along
// the curve of that octant among its seven siblings. Used when the
// force tree instantiates the top-level node skeleton in curve order.
func Subnode(x, y, z uint64, bits uint) int {
	return int(HilbertKey(x, y, z, bits) & 7)
}
