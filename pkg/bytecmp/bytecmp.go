// Package bytecmp implements the unsigned lexicographic byte order used for
// every key comparison in rangekv: range membership, scan termination and the
// engines' own key ordering.
package bytecmp

import (
	"encoding/binary"
	"math/bits"
)

const wordBytes = 8

// Compare returns -1, 0 or 1 depending on whether a sorts before, equal to or
// after b. Bytes are compared as unsigned values; when one slice is a prefix
// of the other the shorter one sorts first.
//
// The common prefix is compared a machine word at a time. For the first
// differing word the position of the first differing byte is found from the
// leading zero count of the XOR of both words instead of a byte loop.
func Compare(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for ; i+wordBytes <= n; i += wordBytes {
		lw := binary.BigEndian.Uint64(a[i:])
		rw := binary.BigEndian.Uint64(b[i:])
		if diff := lw ^ rw; diff != 0 {
			// big endian load: the first differing byte holds the highest set bit
			shift := 56 - (bits.LeadingZeros64(diff) &^ 7)
			return compareByte(byte(lw>>shift), byte(rw>>shift))
		}
	}
	for ; i < n; i++ {
		if c := compareByte(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// ComparePrefix compares only the first len(bound) bytes of key against bound.
// A key that starts with bound compares equal to it, which makes bound act as
// a prefix-matched stop: every key carrying the prefix is "at most" bound.
func ComparePrefix(key, bound []byte) int {
	if len(key) > len(bound) {
		key = key[:len(bound)]
	}
	return Compare(key, bound)
}

// Within reports whether key lies between x and y, both inclusive, whichever
// of the two is smaller.
func Within(key, x, y []byte) bool {
	lo, hi := x, y
	if Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	return Compare(lo, key) <= 0 && Compare(key, hi) <= 0
}

// Less is Compare(a, b) < 0, in the shape sort and btree helpers expect.
func Less(a, b []byte) bool {
	return Compare(a, b) < 0
}

func compareByte(a, b byte) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
