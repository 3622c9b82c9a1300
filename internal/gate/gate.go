// Package gate provides sandboxed read and write operations. Every call takes
// the root directory it is confined to; nothing is retained between calls.
//
// A filename is first checked by the resolver package. Only a verified
// filename reaches storage, and the I/O itself goes through an os.Root opened
// on the canonical root, so a symlink swapped in after the check still cannot
// redirect the operation outside the root.
package gate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/thegrumpylion/fsgate/internal/resolver"
	"go.uber.org/zap"
)

// Entry is a directory listing entry.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Result is the tagged outcome of an operation, for boundaries that cannot
// carry a Go error.
type Result struct {
	Kind Kind
	Data []byte // file contents for a successful read
	Err  error
}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxReadSize limits Read to files of at most n bytes. Larger files fail
// with ErrIO. Zero means unlimited.
func WithMaxReadSize(n int64) Option {
	return func(g *Gate) { g.maxReadSize = n }
}

// WithCreateParents makes Write create missing parent directories inside the
// root before creating the file.
func WithCreateParents(v bool) Option {
	return func(g *Gate) { g.createParents = v }
}

// WithFileMode sets the permission bits for files created by Write.
func WithFileMode(mode os.FileMode) Option {
	return func(g *Gate) { g.fileMode = mode }
}

// Gate performs gated file operations. The zero value is not usable; use New.
// A Gate holds only configuration and is safe for concurrent use.
type Gate struct {
	maxReadSize   int64
	createParents bool
	fileMode      os.FileMode
}

// New creates a Gate with the given options.
func New(opts ...Option) *Gate {
	g := &Gate{fileMode: 0o644}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Default is the Gate used by the package-level functions.
var Default = New()

// Write writes content to filename inside root. See Gate.Write.
func Write(root, filename string, content []byte) error {
	return Default.Write(root, filename, content)
}

// Read reads filename inside root. See Gate.Read.
func Read(root, filename string) ([]byte, error) {
	return Default.Read(root, filename)
}

// Write creates or truncates filename inside root and writes content to it.
// A filename outside root fails with ErrAccessDenied before any I/O.
func (g *Gate) Write(root, filename string, content []byte) error {
	v, err := g.verify("write", root, filename)
	if err != nil {
		return err
	}

	r, err := os.OpenRoot(v.Root)
	if err != nil {
		return g.denied("write", root, filename, err)
	}
	defer r.Close()

	if g.createParents {
		if dir := filepath.Dir(v.Rel); dir != "." {
			if err := r.MkdirAll(dir, 0o755); err != nil {
				return g.ioFailure("write", root, filename, v.Rel, err)
			}
		}
	}

	f, err := r.OpenFile(v.Rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, g.fileMode)
	if err != nil {
		return g.ioFailure("write", root, filename, v.Rel, err)
	}
	_, werr := f.Write(content)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return g.ioFailure("write", root, filename, v.Rel, err)
	}

	Logger().Debug("wrote file",
		zap.String("root", v.Root),
		zap.String("path", v.Rel),
		zap.Int("bytes", len(content)))
	return nil
}

// Read returns the full contents of filename inside root. A filename outside
// root fails with ErrAccessDenied; a missing file with ErrNotFound.
func (g *Gate) Read(root, filename string) ([]byte, error) {
	v, err := g.verify("read", root, filename)
	if err != nil {
		return nil, err
	}

	r, err := os.OpenRoot(v.Root)
	if err != nil {
		return nil, g.denied("read", root, filename, err)
	}
	defer r.Close()

	f, err := r.Open(v.Rel)
	if err != nil {
		return nil, g.ioFailure("read", root, filename, v.Rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, g.ioFailure("read", root, filename, v.Rel, err)
	}
	if info.IsDir() {
		return nil, g.ioFailure("read", root, filename, v.Rel, fmt.Errorf("is a directory"))
	}

	var src io.Reader = f
	if g.maxReadSize > 0 {
		src = io.LimitReader(f, g.maxReadSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, g.ioFailure("read", root, filename, v.Rel, err)
	}
	if g.maxReadSize > 0 && int64(len(data)) > g.maxReadSize {
		return nil, g.ioFailure("read", root, filename, v.Rel,
			fmt.Errorf("file exceeds %d byte read limit", g.maxReadSize))
	}

	Logger().Debug("read file",
		zap.String("root", v.Root),
		zap.String("path", v.Rel),
		zap.Int("bytes", len(data)))
	return data, nil
}

// List returns the entries of directory dir inside root. An empty dir lists
// the root itself.
func (g *Gate) List(root, dir string) ([]Entry, error) {
	v, err := resolver.Resolve(root, dir)
	if errors.Is(err, resolver.ErrUnresolvable) {
		return nil, g.failure("list", dir, err)
	}
	if err != nil {
		return nil, g.denied("list", root, dir, err)
	}

	r, err := os.OpenRoot(v.Root)
	if err != nil {
		return nil, g.denied("list", root, dir, err)
	}
	defer r.Close()

	d, err := r.Open(v.Rel)
	if err != nil {
		return nil, g.ioFailure("list", root, dir, v.Rel, err)
	}
	defer d.Close()

	des, err := d.ReadDir(-1)
	if err != nil {
		return nil, g.ioFailure("list", root, dir, v.Rel, err)
	}

	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		e := Entry{Name: de.Name(), IsDir: de.IsDir()}
		if info, err := de.Info(); err == nil && !de.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DoWrite is Write returning a tagged Result.
func (g *Gate) DoWrite(root, filename string, content []byte) Result {
	err := g.Write(root, filename, content)
	return Result{Kind: KindOf(err), Err: err}
}

// DoRead is Read returning a tagged Result.
func (g *Gate) DoRead(root, filename string) Result {
	data, err := g.Read(root, filename)
	return Result{Kind: KindOf(err), Data: data, Err: err}
}

// verify resolves filename and refuses the root directory itself as a target.
func (g *Gate) verify(op, root, filename string) (resolver.Verified, error) {
	v, err := resolver.Resolve(root, filename)
	if errors.Is(err, resolver.ErrUnresolvable) {
		// Inside the root but hidden by the filesystem; no I/O happened.
		return resolver.Verified{}, g.failure(op, filename, err)
	}
	if err != nil {
		return resolver.Verified{}, g.denied(op, root, filename, err)
	}
	if v.IsRoot() {
		return resolver.Verified{}, g.denied(op, root, filename, errors.New("target is the root directory"))
	}
	return v, nil
}

func (g *Gate) denied(op, root, filename string, cause error) error {
	Logger().Warn("blocked file access",
		zap.String("op", op),
		zap.String("root", root),
		zap.String("filename", filename),
		zap.Error(cause))
	return fmt.Errorf("%w: %s %q: %w", ErrAccessDenied, op, filename, cause)
}

// ioFailure classifies a storage error on a verified path. If the path no
// longer verifies, the filesystem changed under us and os.Root refused to
// follow it out of the root, so the failure is reported as a denial.
func (g *Gate) ioFailure(op, root, filename, rel string, err error) error {
	if _, rerr := resolver.Resolve(root, filename); errors.Is(rerr, resolver.ErrRejected) {
		return g.denied(op, root, filename, fmt.Errorf("path changed during %s: %w", op, err))
	}
	return g.failure(op, rel, err)
}

func (g *Gate) failure(op, path string, err error) error {
	kind := ErrIO
	if op != "write" && (errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)) {
		kind = ErrNotFound
	}
	Logger().Info("file operation failed",
		zap.String("op", op),
		zap.String("path", path),
		zap.Error(err))
	return &IOError{Op: op, Path: path, Kind: kind, Err: err}
}
