// Package server wraps the MCP SDK server for the sandbox. It records tool
// metadata on registration so tools can be filtered at startup, and it holds
// the root directory and gate every file tool goes through.
package server

import (
	"fmt"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/thegrumpylion/fsgate/internal/gate"
)

// BoolPtr returns a pointer to a bool value. Useful for MCP ToolAnnotations
// fields like DestructiveHint and OpenWorldHint which are *bool.
func BoolPtr(v bool) *bool { return &v }

// ToolInfo describes a registered tool for filtering purposes.
type ToolInfo struct {
	Name     string
	ReadOnly bool
}

// Server is an mcp.Server that knows its tools and its sandbox.
type Server struct {
	*mcp.Server
	tools []ToolInfo
	root  string
	gate  *gate.Gate
}

// NewServer creates a new Server wrapper around an mcp.Server.
func NewServer(impl *mcp.Implementation, opts *mcp.ServerOptions) *Server {
	return &Server{Server: mcp.NewServer(impl, opts)}
}

// SetSandbox configures the root directory every file tool is confined to and
// the gate used to access it. The root is passed to the gate on each call.
func (s *Server) SetSandbox(root string, g *gate.Gate) {
	s.root = root
	s.gate = g
}

// Sandbox returns the configured root and gate. The gate is nil if no sandbox
// was configured.
func (s *Server) Sandbox() (string, *gate.Gate) {
	return s.root, s.gate
}

// Tools returns the metadata of the currently exposed tools.
func (s *Server) Tools() []ToolInfo {
	return slices.Clone(s.tools)
}

// AddTool registers a typed tool on the server and records its metadata.
// Go has no generic methods, so like mcp.AddTool this is a function.
func AddTool[In, Out any](s *Server, t *mcp.Tool, h mcp.ToolHandlerFor[In, Out]) {
	s.tools = append(s.tools, ToolInfo{
		Name:     t.Name,
		ReadOnly: t.Annotations != nil && t.Annotations.ReadOnlyHint,
	})
	mcp.AddTool(s.Server, t, h)
}

// SandboxDescription returns a description snippet naming the sandbox root,
// suitable for appending to a tool description. Returns an empty string if no
// sandbox is configured.
func (s *Server) SandboxDescription() string {
	if s.gate == nil {
		return ""
	}
	return "\n\nSandbox root (all paths are relative to it):\n  - " + s.root + "\n"
}

// ToolFilter configures which tools are exposed by an MCP server.
type ToolFilter struct {
	// ReadOnly limits the server to read-only tools.
	ReadOnly bool
	// Enable is a whitelist of tool names to expose. Mutually exclusive with Disable.
	Enable []string
	// Disable is a blacklist of tool names to hide. Mutually exclusive with Enable.
	Disable []string
}

func (f ToolFilter) keeps(t ToolInfo) bool {
	switch {
	case f.ReadOnly && !t.ReadOnly:
		return false
	case len(f.Enable) > 0:
		return slices.Contains(f.Enable, t.Name)
	default:
		return !slices.Contains(f.Disable, t.Name)
	}
}

// ApplyFilter removes the tools the filter excludes. Every name in Enable or
// Disable must be a registered tool, and a read-only one when ReadOnly is set.
// Nothing is removed if the filter is invalid.
func (s *Server) ApplyFilter(filter ToolFilter) error {
	if len(filter.Enable) > 0 && len(filter.Disable) > 0 {
		return fmt.Errorf("--enable and --disable are mutually exclusive")
	}

	for _, name := range slices.Concat(filter.Enable, filter.Disable) {
		i := slices.IndexFunc(s.tools, func(t ToolInfo) bool { return t.Name == name })
		if i < 0 {
			return fmt.Errorf("unknown tool %q", name)
		}
		if filter.ReadOnly && !s.tools[i].ReadOnly {
			return fmt.Errorf("tool %q is not a read-only tool", name)
		}
	}

	var kept []ToolInfo
	var removed []string
	for _, t := range s.tools {
		if filter.keeps(t) {
			kept = append(kept, t)
		} else {
			removed = append(removed, t.Name)
		}
	}
	if len(removed) > 0 {
		s.RemoveTools(removed...)
	}
	s.tools = kept
	return nil
}
