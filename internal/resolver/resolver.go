// Package resolver decides whether an untrusted filename, interpreted relative
// to a trusted root directory, stays inside that root.
//
// Resolution is both lexical and physical: ".." segments are cleaned, leading
// separators and volume names are discarded, and symlinks are evaluated so that
// a link inside the root pointing outside it resolves to its real target and
// fails containment. For targets that do not exist yet, the deepest existing
// ancestor is canonicalized and the missing suffix re-joined, so an
// intermediate directory symlink cannot smuggle a new file out of the root.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	// ErrRejected is returned for every path that fails containment.
	ErrRejected = errors.New("path is outside the sandbox root")

	// ErrInvalidRoot is returned when the root itself cannot be canonicalized
	// to an existing directory. It also matches ErrRejected.
	ErrInvalidRoot = fmt.Errorf("%w: invalid root", ErrRejected)

	// ErrUnresolvable is returned when the filesystem refuses to show what a
	// path inside the root points to, for example a directory without search
	// permission. It does not match ErrRejected.
	ErrUnresolvable = errors.New("path cannot be resolved")
)

// Verified is a path that passed containment against Root.
type Verified struct {
	// Root is the canonical absolute root directory.
	Root string
	// Path is the final absolute path. For existing targets every symlink has
	// been evaluated; for new targets only the deepest existing ancestor has.
	Path string
	// Rel is Path relative to Root, using OS separators. "." for the root itself.
	Rel string
	// Exists reports whether the target existed when it was checked.
	Exists bool
}

// IsRoot reports whether the verified path is the root directory itself.
func (v Verified) IsRoot() bool {
	return v.Rel == "."
}

// CanonicalRoot resolves root to its canonical absolute form and checks that it
// is an existing directory.
func CanonicalRoot(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: root is empty", ErrInvalidRoot)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}
	return canon, nil
}

// Resolve checks requested against root and returns the verified location, or
// an error matching ErrRejected or ErrUnresolvable.
func Resolve(root, requested string) (Verified, error) {
	canonRoot, err := CanonicalRoot(root)
	if err != nil {
		return Verified{}, err
	}

	// Join against the literal root, the way the caller spelled it.
	candidate := filepath.Join(root, sanitize(requested))
	if !filepath.IsAbs(candidate) {
		if candidate, err = filepath.Abs(candidate); err != nil {
			return Verified{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}

	final, exists, err := canonicalize(candidate)
	if err != nil {
		if errors.Is(err, ErrUnresolvable) {
			return Verified{}, fmt.Errorf("%q: %w", requested, err)
		}
		return Verified{}, fmt.Errorf("%w: %q: %v", ErrRejected, requested, err)
	}

	rel, ok := within(canonRoot, final)
	if !ok {
		return Verified{}, fmt.Errorf("%w: %q resolves to %s", ErrRejected, requested, final)
	}
	return Verified{Root: canonRoot, Path: final, Rel: rel, Exists: exists}, nil
}

// sanitize strips anything that would let requested replace the root rather
// than extend it: a volume name and leading separators.
func sanitize(requested string) string {
	p := filepath.FromSlash(requested)
	p = p[len(filepath.VolumeName(p)):]
	return strings.TrimLeft(p, `/`+string(filepath.Separator))
}

// canonicalize evaluates symlinks in candidate. When candidate does not exist it
// walks up to the deepest existing ancestor, canonicalizes that and re-joins the
// missing suffix. A regular file used as a directory ("a.txt/b") counts as
// missing; the I/O on it fails later.
func canonicalize(candidate string) (string, bool, error) {
	if _, err := os.Lstat(candidate); err == nil {
		// A dangling symlink exists but cannot be evaluated; that is an error
		// rather than a new file, since writing would follow the link.
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", true, unresolvable(err)
		}
		return resolved, true, nil
	} else if !missing(err) {
		return "", false, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}

	var suffix []string
	dir := candidate
	for {
		parent := filepath.Dir(dir)
		suffix = append(suffix, filepath.Base(dir))
		if parent == dir {
			// Reached the filesystem root without finding anything; cannot
			// happen for a candidate under an existing root.
			return "", false, fmt.Errorf("no existing ancestor for %s", candidate)
		}
		dir = parent
		if _, err := os.Lstat(dir); err == nil {
			break
		} else if !missing(err) {
			return "", false, fmt.Errorf("%w: %v", ErrUnresolvable, err)
		}
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", false, unresolvable(err)
	}
	for i := len(suffix) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, suffix[i])
	}
	return resolved, false, nil
}

func missing(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// unresolvable wraps symlink evaluation failures. A link whose target is
// missing stays a rejection, since its target may lie outside the root.
func unresolvable(err error) error {
	if missing(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnresolvable, err)
}

// within reports whether target equals base or lies beneath it, comparing
// whole path components. It returns target relative to base.
func within(base, target string) (string, bool) {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return rel, true
}

// Within reports whether target is base or a descendant of base, component-wise.
// Both paths are cleaned but not evaluated for symlinks.
func Within(base, target string) bool {
	_, ok := within(filepath.Clean(base), filepath.Clean(target))
	return ok
}
