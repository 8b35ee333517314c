// Package prob implements a small dynamic probabilistic filter, grounded
// in the teacher's cmn/prob package (its implementation file was not
// part of the retrieved corpus, only its test scaffolding and package
// doc — "fully featured dynamic probabilistic filter" — so this rebuilds
// a filter serving the same purpose in flowbroker's domain).
//
// The cluster/peer manager uses it as a fast, approximate first check
// before consulting the segment store's highest_counter: "have we
// probably already seen (actor, counter)?" A probable-yes still falls
// through to the authoritative store check (spec §4.G: "duplicate
// arrivals... are idempotently discarded"); a definite-no short-circuits
// it. False positives only cost an extra store lookup, never correctness.
package prob

import (
	"math/bits"
	"sync"
)

// Filter is a Bloom-style bit filter over uint64 keys. Keys are never
// removed, so once more keys than its sizing capacity have been added its
// false-positive rate keeps rising.
type Filter struct {
	mu      sync.Mutex
	bits    []uint64
	mask    uint64
	hashFns int
}

// New creates a filter with room for roughly capacity entries at a
// low false-positive rate. size is rounded up to a power of two.
func New(capacity int) *Filter {
	size := nextPow2(uint64(capacity) * 8)
	if size < 64 {
		size = 64
	}
	return &Filter{
		bits:    make([]uint64, size/64),
		mask:    size - 1,
		hashFns: 4,
	}
}

func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}

// Add records key as seen.
func (f *Filter) Add(key uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h1, h2 := split(key)
	for i := 0; i < f.hashFns; i++ {
		idx := (h1 + uint64(i)*h2) & f.mask
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

// MaybeSeen returns false if key is definitely not present, true if it
// might be (subject to false positives).
func (f *Filter) MaybeSeen(key uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	h1, h2 := split(key)
	for i := 0; i < f.hashFns; i++ {
		idx := (h1 + uint64(i)*h2) & f.mask
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

func split(key uint64) (uint64, uint64) {
	// splitmix64 finalizer, cheap and well distributed for our purpose.
	z := key + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z = z ^ (z >> 31)
	return z, z>>32 | 1
}
