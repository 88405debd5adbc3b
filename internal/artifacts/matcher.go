package artifacts

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher selects remote file names to collect.
type Matcher interface {
	Match(name string) bool
}

type suffixMatcher string

func (s suffixMatcher) Match(name string) bool {
	return strings.HasSuffix(name, string(s)) && name != string(s)
}

// Suffix matches names ending in suffix exactly (case-sensitive). A name equal
// to the suffix itself, such as ".vtk", is not an artifact.
func Suffix(suffix string) Matcher { return suffixMatcher(suffix) }

type globMatcher []string

func (g globMatcher) Match(name string) bool {
	for _, p := range g {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Glob matches names against any of patterns.
func Glob(patterns ...string) (Matcher, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one artifact pattern is required")
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid artifact pattern %q", p)
		}
	}
	return globMatcher(append([]string(nil), patterns...)), nil
}

// NewMatcher prefers patterns when given, otherwise suffix.
func NewMatcher(suffix string, patterns []string) (Matcher, error) {
	if len(patterns) > 0 {
		return Glob(patterns...)
	}
	if suffix == "" {
		return nil, fmt.Errorf("artifact suffix is empty")
	}
	return Suffix(suffix), nil
}
