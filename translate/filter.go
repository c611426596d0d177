package translate

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter excludes filesystem paths using glob patterns. '*' stays within
// one path component, '**' crosses components.
// Empty patterns exclude nothing.
type GlobFilter struct {
	globs    []glob.Glob
	patterns []string
}

// NewGlobFilter creates a new glob-based exclusion filter
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		globs:    make([]glob.Glob, 0, len(patterns)),
		patterns: make([]string, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
		filter.patterns = append(filter.patterns, pattern)
	}

	return filter, nil
}

// Excluded returns true if p matches any configured pattern
func (f *GlobFilter) Excluded(p string) bool {
	if f == nil {
		return false
	}
	for _, g := range f.globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns
func (f *GlobFilter) Patterns() []string {
	if f == nil {
		return nil
	}
	return f.patterns
}
