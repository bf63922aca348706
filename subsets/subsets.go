// Package subsets provides the index-set type used as the unit of utility
// evaluation. Sets are bitsets over data-point indices, so equality and the
// derived cache key depend only on membership, never on insertion order.
package subsets

import (
	"strconv"
	"strings"
)

const wordBits = 64

// Set is a subset of the dataset index range 0..n-1. The zero value of
// NewSet is the empty set. Mutating methods are not safe for concurrent use;
// clone per goroutine instead.
type Set struct {
	words []uint64
}

// NewSet returns an empty set able to hold indices 0..n-1 without further
// allocation.
func NewSet(n int) Set {
	return Set{words: make([]uint64, (n+wordBits-1)/wordBits)}
}

// Of builds a set from the given indices.
func Of(indices ...int) Set {
	max := 0
	for _, i := range indices {
		if i > max {
			max = i
		}
	}
	s := NewSet(max + 1)
	for _, i := range indices {
		s.Add(i)
	}
	return s
}

func (s *Set) grow(i int) {
	for i/wordBits >= len(s.words) {
		s.words = append(s.words, 0)
	}
}

func (s *Set) Add(i int) {
	s.grow(i)
	s.words[i/wordBits] |= 1 << (i % wordBits)
}

func (s *Set) Remove(i int) {
	if i/wordBits < len(s.words) {
		s.words[i/wordBits] &^= 1 << (i % wordBits)
	}
}

func (s Set) Contains(i int) bool {
	if i < 0 || i/wordBits >= len(s.words) {
		return false
	}
	return s.words[i/wordBits]&(1<<(i%wordBits)) != 0
}

// Len returns the number of indices in the set.
func (s Set) Len() int {
	count := 0
	for _, w := range s.words {
		for ; w != 0; w &= w - 1 {
			count++
		}
	}
	return count
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	words := make([]uint64, len(s.words))
	copy(words, s.words)
	return Set{words: words}
}

// Indices returns the member indices in increasing order.
func (s Set) Indices() []int {
	out := make([]int, 0, s.Len())
	for wi, w := range s.words {
		for b := 0; w != 0; b++ {
			if w&1 != 0 {
				out = append(out, wi*wordBits+b)
			}
			w >>= 1
		}
	}
	return out
}

// Key returns the canonical cache key for the set: the member indices in
// increasing order, comma-separated. Two sets with the same membership
// always produce the same key, whatever order they were built in. The empty
// set's key is the empty string.
func (s Set) Key() string {
	var b strings.Builder
	first := true
	for _, i := range s.Indices() {
		if !first {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(i))
		first = false
	}
	return b.String()
}

func (s Set) String() string {
	return "{" + s.Key() + "}"
}
