package registry

import (
	"regexp"
	"strings"
)

// pattern matches names against one allow/deny entry. A pattern without a
// '*' matches by strict equality; otherwise '*' matches any sequence and
// all other characters are literal.
type pattern struct {
	literal string
	re      *regexp.Regexp
}

func compilePattern(p string) pattern {
	if !strings.Contains(p, "*") {
		return pattern{literal: p}
	}
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(p, "*") {
		if b.Len() > 1 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	return pattern{re: regexp.MustCompile(b.String())}
}

func (p pattern) match(s string) bool {
	if p.re != nil {
		return p.re.MatchString(s)
	}
	return p.literal == s
}

// PatternSet is a compiled list of patterns. Patterns compile once at
// construction, never per call.
type PatternSet struct {
	patterns []pattern
}

// CompilePatterns builds a PatternSet. A nil or empty input yields an
// empty set.
func CompilePatterns(patterns []string) *PatternSet {
	set := &PatternSet{patterns: make([]pattern, 0, len(patterns))}
	for _, p := range patterns {
		set.patterns = append(set.patterns, compilePattern(p))
	}
	return set
}

// Empty reports whether the set has no patterns.
func (s *PatternSet) Empty() bool { return len(s.patterns) == 0 }

// Match reports whether name matches at least one pattern.
func (s *PatternSet) Match(name string) bool {
	for _, p := range s.patterns {
		if p.match(name) {
			return true
		}
	}
	return false
}

// Allowed applies allow-then-deny semantics: a non-empty allowlist must
// match, then the denylist must not.
func Allowed(name string, allow, deny *PatternSet) bool {
	if !allow.Empty() && !allow.Match(name) {
		return false
	}
	return !deny.Match(name)
}
