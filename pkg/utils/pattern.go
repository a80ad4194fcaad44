// Package utils holds small, dependency-free helpers shared by the cache
// core (including its invalidation path) and the cache warmer: glob-style
// pattern translation and canonical-JSON key derivation.
package utils

import "strings"

// WildcardToLike translates a glob pattern using '*' into a SQL LIKE
// pattern using '%', escaping any literal '%', '_' or '\' already present
// so they are matched literally rather than as LIKE metacharacters. Call
// sites must append `ESCAPE '\'` to their query.
func WildcardToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
