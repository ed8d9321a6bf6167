package routing

import "strings"

// Specificity scores a route pattern so the resolver can rank otherwise
// ambiguous matches: literal characters count in the route's favor,
// wildcards count against it, double wildcards more so since "**" can
// swallow an arbitrary number of path segments.
//
//	score = literalCharCount - 10*singleWildcardCount - 50*doubleWildcardCount
func Specificity(pattern string) int {
	score := 0
	segments := strings.Split(pattern, "/")

	for _, seg := range segments {
		switch {
		case seg == "**":
			score -= 50
		case seg == "*":
			score -= 10
		default:
			score += literalRuneCount(seg) - 10*wildcardRuns(seg)
		}
	}

	return score
}

// wildcardRuns counts the runs of '*' inside seg; within a segment each
// run matches like a single "*", so "order-*" carries one wildcard.
func wildcardRuns(seg string) int {
	n := 0
	prev := false
	for _, r := range seg {
		star := r == '*'
		if star && !prev {
			n++
		}
		prev = star
	}
	return n
}

// literalRuneCount counts characters in seg that are not themselves part
// of a "*" wildcard, so a segment like "order-*" still credits "order-".
func literalRuneCount(seg string) int {
	n := 0
	for _, r := range seg {
		if r != '*' {
			n++
		}
	}
	return n
}
