// Package utils provides pattern matching utilities for cache key filtering.
//
// Pattern syntax (glob):
//   - Exact: "user:123" matches only "user:123"
//   - Prefix: "users:*" matches any key starting with "users:"
//   - Wildcard: "user:*:profile" matches "user:123:profile"
//   - Single char: "user:?" matches "user:1" but not "user:12"
//
// Design Notes:
//   - A pattern is compiled once per invalidation and reused for every key
//   - Exact, prefix and match-all patterns never touch the regexp engine
//   - The same pattern is translated for the remote store's native SCAN MATCH
package utils

import (
	"fmt"
	"regexp"
	"strings"
)

type matchKind int

const (
	matchExact matchKind = iota
	matchPrefix
	matchAll
	matchGlob
)

// Pattern is a compiled key pattern.
type Pattern struct {
	raw    string
	kind   matchKind
	prefix string
	re     *regexp.Regexp
}

// CompilePattern validates and compiles a glob pattern.
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	p := &Pattern{raw: pattern}
	switch {
	case pattern == "*":
		p.kind = matchAll
	case !strings.ContainsAny(pattern, "*?"):
		p.kind = matchExact
	case strings.HasSuffix(pattern, "*") && !strings.ContainsAny(pattern[:len(pattern)-1], "*?"):
		p.kind = matchPrefix
		p.prefix = pattern[:len(pattern)-1]
	default:
		re, err := regexp.Compile("^" + globToRegex(pattern) + "$")
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		p.kind = matchGlob
		p.re = re
	}
	return p, nil
}

// String returns the source pattern.
func (p *Pattern) String() string { return p.raw }

// Match reports whether key matches the pattern.
//
// Performance:
//   - Exact/prefix match: O(n) where n = len(prefix)
//   - Glob match: O(m) where m = len(key)
func (p *Pattern) Match(key string) bool {
	switch p.kind {
	case matchAll:
		return true
	case matchExact:
		return key == p.raw
	case matchPrefix:
		return strings.HasPrefix(key, p.prefix)
	default:
		return p.re.MatchString(key)
	}
}

// MatchPattern compiles pattern and matches a single key.
func MatchPattern(pattern, key string) (bool, error) {
	p, err := CompilePattern(pattern)
	if err != nil {
		return false, err
	}
	return p.Match(key), nil
}

// FilterKeys returns all keys matching the given pattern.
func FilterKeys(pattern string, keys []string) ([]string, error) {
	p, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	result := make([]string, 0, len(keys)/10)
	for _, key := range keys {
		if p.Match(key) {
			result = append(result, key)
		}
	}
	return result, nil
}

// RedisGlob renders the pattern in the syntax of Redis SCAN MATCH, escaping
// the characters Redis treats specially but our syntax does not.
func (p *Pattern) RedisGlob() string {
	var b strings.Builder
	b.Grow(len(p.raw) + 4)
	for i := 0; i < len(p.raw); i++ {
		ch := p.raw[i]
		switch ch {
		case '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// globToRegex converts a glob pattern to regex.
//
// Example: "user:*:profile" -> "user:.*:profile"
func globToRegex(pattern string) string {
	var result strings.Builder
	result.Grow(len(pattern) * 2)

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			result.WriteString(".*")
		case '?':
			result.WriteString(".")
		default:
			result.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}

	return result.String()
}
