package resolve

// Similarity computes a normalized edit distance ratio in [0, 1] between
// two strings. Identical strings score 1, fully disjoint ones score 0.
func Similarity(a string, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}

	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// Plain two-row Levenshtein distance over runes.
func levenshtein(a []rune, b []rune) int {
	previous := make([]int, len(b)+1)
	current := make([]int, len(b)+1)

	for j := 0; j <= len(b); j++ {
		previous[j] = j
	}

	for i := 1; i <= len(a); i++ {
		current[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			current[j] = min(
				previous[j]+1,
				current[j-1]+1,
				previous[j-1]+cost,
			)
		}

		previous, current = current, previous
	}

	return previous[len(b)]
}
