// Package exclude decides which remote paths a mirror run leaves out.
package exclude

import (
	"fmt"
	"path"
	"strings"
)

type patternKind int

const (
	literal patternKind = iota
	glob
	dirOnly
)

type pattern struct {
	kind  patternKind
	value string
}

// Matcher matches slash-separated remote paths relative to the mirror root.
// Patterns ending in "/" match only folders (and so everything under them),
// patterns with glob metacharacters match the full path or the base name,
// and anything else matches a path or one of its ancestors exactly.
type Matcher struct {
	patterns []pattern
}

// New compiles patterns; blank entries and "#" comments are ignored.
// Matching is case-sensitive, like remote names.
func New(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		p = strings.TrimPrefix(p, "/")
		switch {
		case strings.HasSuffix(p, "/"):
			m.patterns = append(m.patterns, pattern{kind: dirOnly, value: strings.TrimSuffix(p, "/")})
		case strings.ContainsAny(p, "*?["):
			if _, err := path.Match(p, p); err != nil {
				continue
			}
			m.patterns = append(m.patterns, pattern{kind: glob, value: p})
		default:
			m.patterns = append(m.patterns, pattern{kind: literal, value: p})
		}
	}
	return m
}

// Validate reports the first malformed glob in patterns. New silently drops
// such patterns, so callers that take user input check them first.
func Validate(patterns []string) error {
	for _, p := range patterns {
		p = strings.TrimPrefix(strings.TrimSpace(p), "/")
		if !strings.ContainsAny(p, "*?[") || strings.HasSuffix(p, "/") {
			continue
		}
		if _, err := path.Match(p, p); err != nil {
			return fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
	}
	return nil
}

// Len returns the number of usable patterns
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

// IsExcluded reports whether relPath should be skipped. A nil Matcher
// excludes nothing.
func (m *Matcher) IsExcluded(relPath string, isDir bool) bool {
	if m == nil {
		return false
	}
	relPath = strings.TrimPrefix(relPath, "./")
	base := path.Base(relPath)

	for _, p := range m.patterns {
		switch p.kind {
		case dirOnly:
			if isDir && (relPath == p.value || base == p.value) {
				return true
			}
			if strings.HasPrefix(relPath, p.value+"/") {
				return true
			}
		case glob:
			if ok, _ := path.Match(p.value, relPath); ok {
				return true
			}
			if ok, _ := path.Match(p.value, base); ok {
				return true
			}
		case literal:
			if relPath == p.value || strings.HasPrefix(relPath, p.value+"/") {
				return true
			}
			if base == p.value {
				return true
			}
		}
	}
	return false
}
