package bus

import (
	"strings"
)

// Subjects are dot-separated token lists, e.g. "run.queued.pip_0190...".
// Subscription patterns may use "*" to match exactly one token and ">" to
// match one or more trailing tokens.

// ValidSubject reports whether s is a publishable subject: non-empty tokens
// and no wildcards.
func ValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" || token == "*" || token == ">" {
			return false
		}
	}
	return true
}

// MatchSubject reports whether the pattern matches the subject.
func MatchSubject(pattern, subject string) bool {
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, p := range pTokens {
		if p == ">" {
			// ">" must consume at least one token.
			return i == len(pTokens)-1 && len(sTokens) > i
		}
		if i >= len(sTokens) {
			return false
		}
		if p != "*" && p != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
