// Package seq implements arithmetic and containers for the 16-bit wrapping
// message index shared by both directions of a connection. Comparisons are
// half-range: a is after b iff 0 < (a-b) mod 2^16 < 2^15, which stays
// unambiguous as long as no more than MaxInFlight indexes are outstanding.
package seq

// Index is a wrapping 16-bit message index.
type Index uint16

const (
	// MaxInFlight bounds the count of un-acked messages per direction.
	// Half the index range, so half-range comparisons never tie.
	MaxInFlight = 32767

	// FlushThreshold marks the guard band near the wrap point. While a
	// stream's newest index sits at or above it, backlog entries from
	// before the wrap are purged rather than delivered.
	FlushThreshold = Index(65536 - MaxInFlight)
)

// GreaterThan reports whether a is after b under wrapping comparison.
func GreaterThan(a, b Index) bool {
	return (a > b && a-b < 32768) || (a < b && b-a > 32768)
}

// LessThan reports whether a is before b under wrapping comparison.
func LessThan(a, b Index) bool {
	return GreaterThan(b, a)
}

// Diff returns the signed wrapping distance from a to b.
func Diff(a, b Index) int16 {
	return int16(uint16(b) - uint16(a))
}

// InGuardBand reports whether idx sits in the upper region of the index
// space where pre-wrap backlog must be purged.
func InGuardBand(idx Index) bool {
	return idx >= FlushThreshold
}
