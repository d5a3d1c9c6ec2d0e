// Package pathguard resolves client-supplied relative paths against a
// session's workspace root and rejects anything that escapes it. The
// containment check runs on the symlink-resolved path, not the textual
// one: a symlink created inside the workspace must not be usable to read
// or write outside it.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyPath means the request contained no usable path.
	ErrEmptyPath = errors.New("empty path")
	// ErrEscapesRoot means the canonical path lands outside the workspace.
	ErrEscapesRoot = errors.New("path escapes workspace root")
)

// Resolve validates requested against root and returns the canonical
// absolute path. The target must exist; a nonexistent target surfaces as
// an error wrapping fs.ErrNotExist so callers can distinguish not-found
// from an escape attempt.
func Resolve(root, requested string) (string, error) {
	joined, err := joinInside(root, requested)
	if err != nil {
		return "", err
	}

	canonRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root %s: %w", root, err)
	}

	canon, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", requested, err)
	}

	if !contains(canonRoot, canon) {
		return "", fmt.Errorf("%s: %w", requested, ErrEscapesRoot)
	}
	return canon, nil
}

// ResolveForWrite is Resolve for a target that may not exist yet. The
// deepest existing ancestor is canonicalized and checked instead, and the
// missing suffix is re-joined onto it.
func ResolveForWrite(root, requested string) (string, error) {
	canon, err := Resolve(root, requested)
	if err == nil {
		return canon, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	joined, err := joinInside(root, requested)
	if err != nil {
		return "", err
	}

	canonRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root %s: %w", root, err)
	}

	// Walk up to the deepest existing ancestor, collecting the missing tail.
	dir := joined
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			dir = resolved
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolve %s: %w", requested, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("resolve %s: %w", requested, fs.ErrNotExist)
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
	}

	if !contains(canonRoot, dir) {
		return "", fmt.Errorf("%s: %w", requested, ErrEscapesRoot)
	}

	target := filepath.Join(append([]string{dir}, tail...)...)
	if !contains(canonRoot, target) {
		return "", fmt.Errorf("%s: %w", requested, ErrEscapesRoot)
	}
	return target, nil
}

// joinInside strips leading ./ and / markers, joins onto root, and runs
// the lexical containment check. Symlink resolution happens in the
// callers; this only weeds out textual traversal like ../../etc/passwd.
func joinInside(root, requested string) (string, error) {
	trimmed := strings.TrimSpace(requested)
	for {
		switch {
		case strings.HasPrefix(trimmed, "./"):
			trimmed = trimmed[2:]
		case strings.HasPrefix(trimmed, "/"):
			trimmed = trimmed[1:]
		default:
			goto done
		}
	}
done:
	if trimmed == "" || trimmed == "." {
		return "", ErrEmptyPath
	}

	joined := filepath.Join(root, trimmed)
	if !contains(filepath.Clean(root), joined) {
		return "", fmt.Errorf("%s: %w", requested, ErrEscapesRoot)
	}
	return joined, nil
}

// contains reports whether path is root or a descendant of root.
func contains(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
