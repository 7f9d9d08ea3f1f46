// Package transfer downloads, decompresses and extracts artifacts received
// from a source instance. Every stage re-validates its inputs because the
// artifact and its metadata are controlled by the remote side.
package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"transferplane/internal/errs"
)

// Scratch is the process-wide root for temporary transfer files.
type Scratch struct {
	root string
}

// NewScratch creates root if needed and resolves it to an absolute, symlink-free path.
func NewScratch(root string) (*Scratch, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "transferplane")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Scratch{root: resolved}, nil
}

// Root returns the scratch root.
func (s *Scratch) Root() string {
	return s.root
}

// MkdirTemp creates a private directory under the root.
func (s *Scratch) MkdirTemp(prefix string) (string, error) {
	return os.MkdirTemp(s.root, prefix)
}

// Confine rejects dir unless it resolves inside the scratch root. The check is
// done on path components, so "/scratch-evil" is not inside "/scratch".
func (s *Scratch) Confine(dir string) error {
	const op = "transfer.Confine"

	if dir == "" {
		return errs.Validation(op, "directory is empty")
	}
	if hasTraversal(dir) {
		return errs.Security(op, "directory %q contains traversal segments", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errs.Validation(op, "invalid directory %q", dir).WithCause(err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return errs.Validation(op, "directory %q is not accessible", dir).WithCause(err)
	}
	if !within(s.root, resolved) {
		return errs.Security(op, "directory %q is outside the scratch root", dir)
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}

// hasTraversal reports whether any segment of p is "..".
func hasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// validName accepts a single path element.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

// rejectSymlink removes p and fails if it is a symbolic link.
func rejectSymlink(op, p string) error {
	info, err := os.Lstat(p)
	if err != nil {
		return errs.Validation(op, "cannot stat %s", filepath.Base(p)).WithCause(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		os.Remove(p)
		return errs.Security(op, "%s is a symbolic link", filepath.Base(p))
	}
	return nil
}
