// Package collections provides the compact data structures used by the loader.
package collections

import (
	"math/bits"
	"sync/atomic"
)

// ============================================================================
// Bitset - Memory-efficient boolean set
// ============================================================================

// Bitset is a fixed-size set of bits packed into 64-bit words.
// Bit i lives in word i/64 at position i%64, which is also the layout of the
// archive's reference map.
type Bitset struct {
	bits []uint64
	size int
}

// NewBitset creates a new bitset with the given size.
func NewBitset(size int) *Bitset {
	if size < 0 {
		size = 0
	}
	return &Bitset{
		bits: make([]uint64, (size+63)/64),
		size: size,
	}
}

// NewBitsetFromWords wraps existing words without copying.
// Bits at or beyond size are ignored by every query.
func NewBitsetFromWords(words []uint64, size int) *Bitset {
	if size > len(words)*64 {
		size = len(words) * 64
	}
	return &Bitset{bits: words, size: size}
}

// Set sets the bit at index i. Out of range indices are ignored.
func (b *Bitset) Set(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.bits[i/64] |= 1 << (i % 64)
}

// Clear clears the bit at index i.
func (b *Bitset) Clear(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.bits[i/64] &^= 1 << (i % 64)
}

// Test returns true if the bit at index i is set.
func (b *Bitset) Test(i int) bool {
	if i < 0 || i >= b.size {
		return false
	}
	return b.bits[i/64]&(1<<(i%64)) != 0
}

// ClearAll clears all bits to 0.
func (b *Bitset) ClearAll() {
	for i := range b.bits {
		b.bits[i] = 0
	}
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	count := 0
	b.Iterate(func(int) bool {
		count++
		return true
	})
	return count
}

// Size returns the number of addressable bits.
func (b *Bitset) Size() int {
	return b.size
}

// NextSet returns the first set bit at or after from, or -1.
func (b *Bitset) NextSet(from int) int {
	if from < 0 {
		from = 0
	}
	if from >= b.size {
		return -1
	}
	wordIdx := from / 64
	word := b.bits[wordIdx] &^ (1<<(from%64) - 1)
	for {
		if word != 0 {
			i := wordIdx*64 + bits.TrailingZeros64(word)
			if i >= b.size {
				return -1
			}
			return i
		}
		wordIdx++
		if wordIdx >= len(b.bits) {
			return -1
		}
		word = b.bits[wordIdx]
	}
}

// NextClear returns the first clear bit at or after from, or Size().
func (b *Bitset) NextClear(from int) int {
	if from < 0 {
		from = 0
	}
	if from >= b.size {
		return b.size
	}
	wordIdx := from / 64
	word := ^b.bits[wordIdx] &^ (1<<(from%64) - 1)
	for {
		if word != 0 {
			i := wordIdx*64 + bits.TrailingZeros64(word)
			if i > b.size {
				return b.size
			}
			return i
		}
		wordIdx++
		if wordIdx >= len(b.bits) {
			return b.size
		}
		word = ^b.bits[wordIdx]
	}
}

// Iterate calls fn for each set bit index until fn returns false.
func (b *Bitset) Iterate(fn func(i int) bool) {
	for wordIdx, word := range b.bits {
		base := wordIdx * 64
		for word != 0 {
			i := base + bits.TrailingZeros64(word)
			if i >= b.size {
				return
			}
			if !fn(i) {
				return
			}
			word &= word - 1
		}
	}
}

// Runs calls fn for every maximal run [start, end) of clear bits inside
// [from, to). Iteration stops when fn returns false.
func (b *Bitset) Runs(from, to int, fn func(start, end int) bool) {
	if to > b.size {
		to = b.size
	}
	for i := b.NextClear(from); i < to; {
		end := b.NextSet(i)
		if end < 0 || end > to {
			end = to
		}
		if !fn(i, end) {
			return
		}
		i = b.NextClear(end)
	}
}

// ToSlice returns a slice of all set bit indices.
func (b *Bitset) ToSlice() []int {
	result := make([]int, 0)
	b.Iterate(func(i int) bool {
		result = append(result, i)
		return true
	})
	return result
}

// ============================================================================
// AtomicBitset - Thread-safe bitset for concurrent access
// ============================================================================

// AtomicBitset is a fixed-size bitset whose operations are lock-free.
type AtomicBitset struct {
	bits []uint64
	size int
}

// NewAtomicBitset creates a new atomic bitset.
func NewAtomicBitset(size int) *AtomicBitset {
	if size < 0 {
		size = 0
	}
	return &AtomicBitset{
		bits: make([]uint64, (size+63)/64),
		size: size,
	}
}

// Set atomically sets the bit at index i.
func (b *AtomicBitset) Set(i int) {
	b.TestAndSet(i)
}

// Test returns true if the bit at index i is set.
func (b *AtomicBitset) Test(i int) bool {
	if i < 0 || i >= b.size {
		return false
	}
	return atomic.LoadUint64(&b.bits[i/64])&(1<<(i%64)) != 0
}

// TestAndSet atomically sets the bit and reports whether it was already set.
// Out of range indices report true so callers treat them as taken.
func (b *AtomicBitset) TestAndSet(i int) bool {
	if i < 0 || i >= b.size {
		return true
	}
	mask := uint64(1) << (i % 64)
	old := atomic.OrUint64(&b.bits[i/64], mask)
	return old&mask != 0
}

// Count returns the number of set bits.
func (b *AtomicBitset) Count() int {
	count := 0
	for i := range b.bits {
		count += bits.OnesCount64(atomic.LoadUint64(&b.bits[i]))
	}
	return count
}

// Size returns the number of addressable bits.
func (b *AtomicBitset) Size() int {
	return b.size
}
