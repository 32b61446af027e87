package identity

import "strings"

// NormalizeName canonicalizes a name for comparison: trimmed, internal
// whitespace collapsed to single spaces, case-folded. Matching is exact after
// normalization; there is deliberately no fuzzy or partial matching, because
// a wrong automatic match corrupts access-control data.
func NormalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// NamesEqual reports whether two names are equal after normalization.
func NamesEqual(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}

// SplitOutsiderName splits a free-form outsider name into first and last
// name. Two tokens map to (first, last); three tokens treat the first two as
// a compound first name. Anything else is unclassifiable and must be
// escalated, never guessed.
func SplitOutsiderName(name string) (first, last string, ok bool) {
	tokens := strings.Fields(name)
	switch len(tokens) {
	case 2:
		return tokens[0], tokens[1], true
	case 3:
		return tokens[0] + " " + tokens[1], tokens[2], true
	default:
		return "", "", false
	}
}
