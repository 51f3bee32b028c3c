package vfskit

import (
	"strings"

	"github.com/gobwas/glob"
	"gitlab.com/tozd/go/errors"
)

// ============================================================================
// FileSelector Interface
// ============================================================================

// FileSelector decides which entries a tree walk visits.
//
//	sel, err := vfskit.Exclude("*.tmp", "**/.git")
//	...
//	req.Selector = sel
type FileSelector interface {
	// Match returns true if the entry should be visited.
	Match(file *FileInfo) bool

	// TraverseDescendants returns true if a matched directory's children
	// should be walked. Only called for directories.
	TraverseDescendants(file *FileInfo) bool
}

// AllSelector visits everything.
type AllSelector struct{}

func (s AllSelector) Match(file *FileInfo) bool               { return true }
func (s AllSelector) TraverseDescendants(file *FileInfo) bool { return true }

// All returns a selector that matches everything.
func All() FileSelector {
	return AllSelector{}
}

// ============================================================================
// Glob
// ============================================================================

type globSelector struct {
	pattern  string
	compiled glob.Glob
	fullPath bool
}

// Glob creates a selector from a shell pattern. Patterns without a slash
// are matched against the entry name; patterns with one against the whole
// path. "**" crosses directories.
//
//	Glob("*.txt")
//	Glob("/srv/**/cache")
//	Glob("{*.jpg,*.png}")
func Glob(pattern string) (FileSelector, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, errors.Errorf("compile pattern %q: %w", pattern, err)
	}
	return &globSelector{pattern: pattern, compiled: g, fullPath: strings.Contains(pattern, "/")}, nil
}

func (s *globSelector) Match(file *FileInfo) bool {
	if s.fullPath {
		return s.compiled.Match(file.Path.String())
	}
	return s.compiled.Match(file.Name)
}

func (s *globSelector) TraverseDescendants(file *FileInfo) bool {
	return true
}

// Exclude returns a selector that skips entries matching any of patterns,
// together with everything below them.
func Exclude(patterns ...string) (FileSelector, error) {
	if len(patterns) == 0 {
		return All(), nil
	}
	globs := make([]FileSelector, 0, len(patterns))
	for _, p := range patterns {
		g, err := Glob(p)
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}
	return Not(Or(globs...)), nil
}

// ============================================================================
// Composable Selectors (And, Or, Not)
// ============================================================================

type andSelector struct {
	selectors []FileSelector
}

// And matches when every selector matches. An empty And matches everything.
func And(selectors ...FileSelector) FileSelector {
	return &andSelector{selectors: selectors}
}

func (s *andSelector) Match(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if !sel.Match(file) {
			return false
		}
	}
	return true
}

func (s *andSelector) TraverseDescendants(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if !sel.TraverseDescendants(file) {
			return false
		}
	}
	return true
}

type orSelector struct {
	selectors []FileSelector
}

// Or matches when any selector matches. An empty Or matches nothing.
func Or(selectors ...FileSelector) FileSelector {
	return &orSelector{selectors: selectors}
}

func (s *orSelector) Match(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if sel.Match(file) {
			return true
		}
	}
	return false
}

func (s *orSelector) TraverseDescendants(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if sel.TraverseDescendants(file) {
			return true
		}
	}
	return false
}

type notSelector struct {
	selector FileSelector
}

// Not negates Match. Descendants are always traversed.
func Not(selector FileSelector) FileSelector {
	return &notSelector{selector: selector}
}

func (s *notSelector) Match(file *FileInfo) bool {
	return !s.selector.Match(file)
}

func (s *notSelector) TraverseDescendants(file *FileInfo) bool {
	return true
}

// ============================================================================
// FuncSelector
// ============================================================================

type funcSelector struct {
	matchFn func(*FileInfo) bool
}

// FuncSelector matches with fn and traverses every directory.
func FuncSelector(fn func(*FileInfo) bool) FileSelector {
	return &funcSelector{matchFn: fn}
}

func (s *funcSelector) Match(file *FileInfo) bool               { return s.matchFn(file) }
func (s *funcSelector) TraverseDescendants(file *FileInfo) bool { return true }
