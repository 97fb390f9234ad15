package eval

import (
	"strings"
)

// Glob implements the small pattern dialect used by trigger filters:
//
//	*            matches any value without a slash
//	**           matches anything
//	p/*          matches exactly one path segment under p
//	p/**         matches p and any descendant of p
//	a*b          matches values with prefix a and suffix b, no slash between
//
// This is intentionally not a full fnmatch; branch and path filters need
// nothing more.
func Glob(pattern, s string) bool {
	switch pattern {
	case "**":
		return true
	case "*":
		return !strings.Contains(s, "/")
	}

	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return s == prefix || strings.HasPrefix(s, prefix+"/")
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		rest, under := strings.CutPrefix(s, prefix+"/")
		return under && rest != "" && !strings.Contains(rest, "/")
	}

	if i := strings.Index(pattern, "*"); i >= 0 {
		prefix, suffix := pattern[:i], pattern[i+1:]
		if len(s) < len(prefix)+len(suffix) {
			return false
		}
		if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
			return false
		}
		middle := s[len(prefix) : len(s)-len(suffix)]
		return !strings.Contains(middle, "/")
	}

	return pattern == s
}

// GlobAny reports whether any pattern matches s.
func GlobAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if Glob(p, s) {
			return true
		}
	}
	return false
}
