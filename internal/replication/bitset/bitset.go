// Package bitset is a fixed-word bitset used for proxy visibility flags and
// per-client recipient masks.
package bitset

import "math/bits"

type Set []uint64

func New(n int) Set {
	return make(Set, (n+63)/64)
}

func (s *Set) grow(i int) {
	need := i/64 + 1
	if need > len(*s) {
		ns := make(Set, need)
		copy(ns, *s)
		*s = ns
	}
}

func (s *Set) Set(i int) {
	s.grow(i)
	(*s)[i/64] |= 1 << uint(i%64)
}

func (s Set) Clear(i int) {
	if i/64 < len(s) {
		s[i/64] &^= 1 << uint(i%64)
	}
}

func (s Set) Has(i int) bool {
	if i < 0 || i/64 >= len(s) {
		return false
	}
	return s[i/64]&(1<<uint(i%64)) != 0
}

func (s Set) Count() int {
	n := 0
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}

func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}

// Equal treats missing high words as zero.
func (s Set) Equal(o Set) bool {
	n := max(len(s), len(o))
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(s) {
			a = s[i]
		}
		if i < len(o) {
			b = o[i]
		}
		if a != b {
			return false
		}
	}
	return true
}
