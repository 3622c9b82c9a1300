// Package wasmhost exposes the gate to WebAssembly guests as a wazero host
// module named "fsgate".
//
// Both functions take (pointer, length) pairs into the calling guest's linear
// memory. The guest owns every buffer: the host copies inputs out before
// touching storage and copies results into a guest-provided output buffer. The
// host never allocates guest memory, so nothing needs to be released.
//
//	write(root_ptr, root_len, name_ptr, name_len, data_ptr, data_len i32) i32
//	read(root_ptr, root_len, name_ptr, name_len, out_ptr, out_cap i32) i64
//
// write returns 0, -1 (access denied) or -2 (I/O error). read returns the full
// content length when >= 0, copying min(length, out_cap) bytes to out_ptr; a
// guest whose buffer was too small calls again with a larger one. Negative
// read results are -1 (access denied), -2 (I/O error) and -3 (not found).
// Root and name ranges that fall outside guest memory decode as empty strings.
//
// Guests are untrusted callers, so a host embedding them usually pins every
// guest-supplied root beneath a directory it chose with WithRootConstraint.
package wasmhost

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/thegrumpylion/fsgate/internal/boundary"
	"github.com/thegrumpylion/fsgate/internal/gate"
	"github.com/thegrumpylion/fsgate/internal/resolver"
	"go.uber.org/zap"
)

// ModuleName is the import module name guests use.
const ModuleName = "fsgate"

var i32x6 = []api.ValueType{
	api.ValueTypeI32, api.ValueTypeI32,
	api.ValueTypeI32, api.ValueTypeI32,
	api.ValueTypeI32, api.ValueTypeI32,
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger used for host call tracing.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithRootConstraint refuses every guest-supplied root that does not
// canonicalize to base or a directory beneath it. Such calls fail with
// access denied before the gate is consulted.
func WithRootConstraint(base string) Option {
	return func(h *Host) { h.base = base }
}

// Host implements the fsgate host functions on top of a gate.
type Host struct {
	gate *gate.Gate
	log  *zap.Logger
	base string
}

// New creates a Host backed by g.
func New(g *gate.Gate, opts ...Option) *Host {
	h := &Host{gate: g, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Instantiate registers the fsgate host module on r. Guests importing from
// ModuleName must be instantiated afterwards.
func (h *Host) Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	return r.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.write), i32x6, []api.ValueType{api.ValueTypeI32}).
		WithParameterNames("root_ptr", "root_len", "name_ptr", "name_len", "data_ptr", "data_len").
		Export("write").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.read), i32x6, []api.ValueType{api.ValueTypeI64}).
		WithParameterNames("root_ptr", "root_len", "name_ptr", "name_len", "out_ptr", "out_cap").
		Export("read").
		Instantiate(ctx)
}

func (h *Host) write(_ context.Context, mod api.Module, stack []uint64) {
	root := readText(mod, stack[0], stack[1])
	name := readText(mod, stack[2], stack[3])

	data, ok := readBytes(mod, stack[4], stack[5])
	if !ok {
		// Content cannot be recovered leniently: writing anything would leave a
		// file that does not hold what the guest asked for.
		h.log.Debug("write content out of guest memory bounds", zap.String("module", mod.Name()))
		stack[0] = api.EncodeI32(boundary.StatusIOError)
		return
	}

	if !h.allowed(root) {
		h.log.Warn("guest root outside constraint", zap.String("module", mod.Name()), zap.String("root", root))
		stack[0] = api.EncodeI32(boundary.StatusAccessDenied)
		return
	}

	status := boundary.WriteStatus(h.gate.Write(root, name, data))
	h.log.Debug("guest write", zap.String("module", mod.Name()), zap.String("filename", name), zap.Int32("status", status))
	stack[0] = api.EncodeI32(status)
}

func (h *Host) read(_ context.Context, mod api.Module, stack []uint64) {
	root := readText(mod, stack[0], stack[1])
	name := readText(mod, stack[2], stack[3])
	outPtr, outCap := api.DecodeU32(stack[4]), api.DecodeU32(stack[5])

	if !h.allowed(root) {
		h.log.Warn("guest root outside constraint", zap.String("module", mod.Name()), zap.String("root", root))
		stack[0] = api.EncodeI64(int64(boundary.StatusAccessDenied))
		return
	}

	data, err := h.gate.Read(root, name)
	if err != nil {
		status := boundary.Status(err)
		h.log.Debug("guest read", zap.String("module", mod.Name()), zap.String("filename", name), zap.Int32("status", status))
		stack[0] = api.EncodeI64(int64(status))
		return
	}

	n := uint32(len(data))
	if n > outCap {
		n = outCap
	}
	if n > 0 {
		mem := mod.Memory()
		if mem == nil || !mem.Write(outPtr, data[:n]) {
			stack[0] = api.EncodeI64(int64(boundary.StatusIOError))
			return
		}
	}
	h.log.Debug("guest read", zap.String("module", mod.Name()), zap.String("filename", name), zap.Int("bytes", len(data)))
	stack[0] = api.EncodeI64(int64(len(data)))
}

// allowed reports whether root satisfies the root constraint, if any.
func (h *Host) allowed(root string) bool {
	if h.base == "" {
		return true
	}
	base, err := resolver.CanonicalRoot(h.base)
	if err != nil {
		return false
	}
	canon, err := resolver.CanonicalRoot(root)
	if err != nil {
		return false
	}
	return resolver.Within(base, canon)
}

// readBytes copies a range out of guest memory.
func readBytes(mod api.Module, ptr, length uint64) ([]byte, bool) {
	size := api.DecodeU32(length)
	if size == 0 {
		return []byte{}, true
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	view, ok := mem.Read(api.DecodeU32(ptr), size)
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(view))
	copy(buf, view)
	return buf, true
}

// readText copies a string out of guest memory. Out-of-range or malformed
// strings become "".
func readText(mod api.Module, ptr, length uint64) string {
	b, ok := readBytes(mod, ptr, length)
	if !ok {
		return ""
	}
	return boundary.TextBytes(b)
}
