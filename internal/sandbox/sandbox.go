// Package sandbox confines session working directories to an approved root.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutside is returned by Check for a path that escapes the approved root.
var ErrOutside = errors.New("sandbox: path outside approved directory")

// Validator decides whether a directory lies inside the approved root.
type Validator struct {
	root string
}

// New creates a Validator rooted at approvedDir. The root must exist.
func New(approvedDir string) (*Validator, error) {
	if approvedDir == "" {
		return nil, fmt.Errorf("sandbox: approved directory is required")
	}
	root, err := resolve(approvedDir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: approved directory %s: %w", approvedDir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: approved directory %s: %w", approvedDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox: approved directory %s is not a directory", approvedDir)
	}
	return &Validator{root: root}, nil
}

// Root returns the resolved approved directory.
func (v *Validator) Root() string { return v.root }

// IsWithinSandbox reports whether path is the root or a descendant of it,
// after resolving symlinks.
func (v *Validator) IsWithinSandbox(path string) bool {
	return v.Check(path) == nil
}

// Check returns nil when path is inside the sandbox, ErrOutside when it
// escapes, or the resolution error when it cannot be evaluated.
func (v *Validator) Check(path string) error {
	resolved, err := resolve(path)
	if err != nil {
		return fmt.Errorf("sandbox: %s: %w", path, err)
	}
	rel, err := filepath.Rel(v.root, resolved)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOutside, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutside, path)
	}
	return nil
}

// resolve makes path absolute and follows symlinks. A path that does not
// exist yet is resolved through its deepest existing ancestor.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var rest []string
	cur := abs
	for {
		r, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{r}, rest...)...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
