package keyexpr

import "strings"

// This file implements the chunk-by-chunk matching rules:
//
//   - "**" consumes zero or more chunks on the opposing side, with
//     backtracking so the suffix can align.
//   - '@'-prefixed (verbatim) chunks are never matched by '*' or "**";
//     two verbatim chunks match only if bytewise equal.
//   - "$*" matches any run of bytes not containing '/'; multiple "$*"
//     in one chunk use substring search with backtracking.
//
// Both matchers are pure functions over chunk slices, in the style of
// a transition-table FSM: no allocation beyond the initial split.

// Intersects reports whether at least one concrete key matches both a
// and b. It is symmetric for canonical inputs.
func Intersects(a, b string) bool {
	return interChunks(strings.Split(a, "/"), strings.Split(b, "/"))
}

// Includes reports whether every concrete key matched by b is matched
// by a. It is not symmetric.
func Includes(a, b string) bool {
	return inclChunks(strings.Split(a, "/"), strings.Split(b, "/"))
}

// isVerbatim reports whether a chunk must be matched bytewise only.
func isVerbatim(c string) bool {
	return len(c) > 0 && c[0] == '@'
}

// -------------------------------------------------------------------------
// Chunk-list intersection
// -------------------------------------------------------------------------

func interChunks(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) > 0 && a[0] == "**" {
		// Zero chunks consumed, or one non-verbatim chunk of b consumed.
		if interChunks(a[1:], b) {
			return true
		}
		return len(b) > 0 && !isVerbatim(b[0]) && interChunks(a, b[1:])
	}
	if len(b) > 0 && b[0] == "**" {
		if interChunks(a, b[1:]) {
			return true
		}
		return len(a) > 0 && !isVerbatim(a[0]) && interChunks(a[1:], b)
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return interChunk(a[0], b[0]) && interChunks(a[1:], b[1:])
}

// interChunk reports whether two single chunks can match the same
// concrete segment.
func interChunk(a, b string) bool {
	if isVerbatim(a) || isVerbatim(b) {
		return a == b
	}
	if a == "*" || b == "*" {
		return true
	}
	return interPattern(a, b)
}

// interPattern decides intersection of two intra-chunk patterns where
// "$*" matches any (possibly empty) byte run. Either side's "$*" may
// absorb the opposing side's next byte; plain bytes must line up.
func interPattern(a, b string) bool {
	if a == "" && b == "" {
		return true
	}
	if strings.HasPrefix(a, "$*") {
		if interPattern(a[2:], b) {
			return true
		}
		return b != "" && interPattern(a, b[1:])
	}
	if strings.HasPrefix(b, "$*") {
		if interPattern(a, b[2:]) {
			return true
		}
		return a != "" && interPattern(a[1:], b)
	}
	if a == "" || b == "" {
		return false
	}
	return a[0] == b[0] && interPattern(a[1:], b[1:])
}

// -------------------------------------------------------------------------
// Chunk-list inclusion
// -------------------------------------------------------------------------

func inclChunks(a, b []string) bool {
	if len(b) == 0 {
		// a must be able to match the empty tail: only "**" chunks can.
		for _, c := range a {
			if c != "**" {
				return false
			}
		}
		return true
	}
	if len(a) == 0 {
		return false
	}
	if a[0] == "**" {
		// Absorb nothing, or absorb b's head. "**" never covers a
		// verbatim chunk, and b's "**" tail can only be covered by
		// keeping a's "**" in play.
		if inclChunks(a[1:], b) {
			return true
		}
		if isVerbatim(b[0]) {
			return false
		}
		return inclChunks(a, b[1:])
	}
	if b[0] == "**" {
		// b generates tails of arbitrary length here; a's head is a
		// fixed chunk and cannot cover them all.
		return false
	}
	return inclChunk(a[0], b[0]) && inclChunks(a[1:], b[1:])
}

// inclChunk reports whether chunk a's language covers chunk b's.
func inclChunk(a, b string) bool {
	if isVerbatim(b) {
		return a == b
	}
	if isVerbatim(a) {
		return false
	}
	if a == "*" {
		return true
	}
	if b == "*" {
		// b generates every segment; only "*" covers that.
		return false
	}
	return inclPattern(a, b)
}

// inclPattern decides language inclusion of two intra-chunk patterns.
// a's "$*" may absorb whatever b produces next; a literal byte in a
// requires the identical literal in b (a "$*" in b produces runs a
// literal cannot cover).
func inclPattern(a, b string) bool {
	if b == "" {
		return allStars(a)
	}
	if a == "" {
		return false
	}
	if strings.HasPrefix(a, "$*") {
		if inclPattern(a[2:], b) {
			return true
		}
		if strings.HasPrefix(b, "$*") {
			return inclPattern(a, b[2:])
		}
		return inclPattern(a, b[1:])
	}
	if strings.HasPrefix(b, "$*") {
		return false
	}
	return a[0] == b[0] && inclPattern(a[1:], b[1:])
}

// allStars reports whether a consists solely of "$*" pairs.
func allStars(a string) bool {
	for len(a) > 0 {
		if !strings.HasPrefix(a, "$*") {
			return false
		}
		a = a[2:]
	}
	return true
}
