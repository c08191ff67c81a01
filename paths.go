package x402

// PathIsProtected reports whether a request path matches any of the given
// glob patterns. Matching is shell-style: '*' matches any run of characters
// (including '/'), '?' matches exactly one character, everything else is
// literal. Matching is case-sensitive and done on the raw path string;
// callers supply canonical paths. The pattern "*" matches every path.
func PathIsProtected(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if globMatch(pattern, path) {
			return true
		}
	}
	return false
}

// globMatch implements '*'/'?' matching with backtracking over the most
// recent '*'. Iterative so pathological patterns cannot blow the stack.
func globMatch(pattern, s string) bool {
	var p, i int
	star, mark := -1, 0

	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = i
			p++
		case star >= 0:
			// Extend the last '*' by one character and retry.
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
