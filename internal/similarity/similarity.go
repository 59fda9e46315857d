// Package similarity provides edit-distance scoring for fuzzy
// duplicate matching.
package similarity

// Levenshtein returns the edit distance between a and b with unit
// cost for insert, delete, and substitute. Operates on runes so
// multi-byte characters count as one edit.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	// Single-row DP: prev holds the previous row of the distance
	// matrix.
	prev := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		diag := prev[0]
		prev[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			d := min(prev[j]+1, prev[j-1]+1, diag+cost)
			diag = prev[j]
			prev[j] = d
		}
	}
	return prev[len(rb)]
}

// Ratio converts edit distance into a similarity score in [0,1]:
// 1 - distance/max(len(a), len(b), 1).
func Ratio(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)), 1)
	r := 1 - float64(Levenshtein(a, b))/float64(longest)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
