package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/thegrumpylion/fsgate/internal/gate"
)

// RegisterSandboxTools registers the list_files, read_file and write_file
// tools on the server. Every path the LLM supplies is resolved against the
// configured sandbox root by the gate. This is a no-op if the server has no
// sandbox configured.
func RegisterSandboxTools(s *Server) {
	if s.gate == nil {
		return
	}
	registerListFiles(s)
	registerReadFile(s)
	registerWriteFile(s)
}

// toolError turns a gate error into a tool error whose text starts with the
// failure kind, so "blocked by policy" and "legitimately absent" stay distinct.
func toolError(op, path string, err error) error {
	return fmt.Errorf("%s %q: %s: %w", op, path, gate.KindOf(err), err)
}

type listFilesInput struct {
	Path string `json:"path,omitempty" jsonschema:"Relative directory path within the sandbox. Omit or use '.' to list the sandbox root."`
}

func registerListFiles(srv *Server) {
	AddTool(srv, &mcp.Tool{
		Name:        "list_files",
		Description: "List files in a directory of the sandbox." + srv.SandboxDescription(),
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint: true,
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input listFilesInput) (*mcp.CallToolResult, any, error) {
		root, g := srv.Sandbox()
		entries, err := g.List(root, input.Path)
		if err != nil {
			return nil, nil, toolError("list", input.Path, err)
		}

		var out strings.Builder
		displayPath := input.Path
		if displayPath == "" || displayPath == "." {
			displayPath = root
		} else {
			displayPath = root + "/" + input.Path
		}
		fmt.Fprintf(&out, "Directory: %s\n\n", displayPath)

		if len(entries) == 0 {
			out.WriteString("(empty directory)")
		} else {
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&out, "  [dir]  %s/\n", e.Name)
				} else {
					fmt.Fprintf(&out, "  %6d  %s\n", e.Size, e.Name)
				}
			}
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: out.String()},
			},
		}, nil, nil
	})
}

type readFileInput struct {
	Path string `json:"path" jsonschema:"Relative path to a file within the sandbox"`
}

// maxDisplaySize bounds how much file content is returned into the conversation.
const maxDisplaySize = 512 * 1024

func registerReadFile(srv *Server) {
	AddTool(srv, &mcp.Tool{
		Name: "read_file",
		Description: `Read a file from the sandbox.

Returns text content for text files. Binary files are reported by size only.
Content is truncated at 512 KB. Paths outside the sandbox are refused.` + srv.SandboxDescription(),
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint: true,
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input readFileInput) (*mcp.CallToolResult, any, error) {
		if input.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}

		root, g := srv.Sandbox()
		data, err := g.Read(root, input.Path)
		if err != nil {
			return nil, nil, toolError("read", input.Path, err)
		}

		if !isLikelyText(data) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					&mcp.TextContent{Text: fmt.Sprintf("Binary file (%d bytes) at %s.", len(data), input.Path)},
				},
			}, nil, nil
		}

		truncated := false
		if len(data) > maxDisplaySize {
			data = data[:maxDisplaySize]
			truncated = true
		}

		text := string(data)
		if truncated {
			text += "\n\n--- truncated at 512 KB ---"
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: text},
			},
		}, nil, nil
	})
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"Relative path of the file to create or overwrite within the sandbox"`
	Content string `json:"content" jsonschema:"File content as text, or base64-encoded binary data"`
	Base64  bool   `json:"base64,omitempty" jsonschema:"Set to true if content is base64-encoded binary data"`
}

func registerWriteFile(srv *Server) {
	AddTool(srv, &mcp.Tool{
		Name: "write_file",
		Description: `Create or overwrite a file in the sandbox.

The file is truncated before writing. Paths outside the sandbox are refused.` + srv.SandboxDescription(),
		Annotations: &mcp.ToolAnnotations{
			DestructiveHint: BoolPtr(true),
			IdempotentHint:  true,
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input writeFileInput) (*mcp.CallToolResult, any, error) {
		if input.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}

		data := []byte(input.Content)
		if input.Base64 {
			decoded, err := base64.StdEncoding.DecodeString(input.Content)
			if err != nil {
				return nil, nil, fmt.Errorf("decoding base64 content: %w", err)
			}
			data = decoded
		}

		root, g := srv.Sandbox()
		if err := g.Write(root, input.Path, data); err != nil {
			return nil, nil, toolError("write", input.Path, err)
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Wrote %d bytes to %s", len(data), input.Path)},
			},
		}, nil, nil
	})
}

// isLikelyText checks if data appears to be text content.
// Returns false if it contains null bytes or has a low ratio of printable characters.
func isLikelyText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	printable := 0
	for _, b := range data {
		if b == 0 {
			return false
		}
		if b == '\n' || b == '\r' || b == '\t' || (b >= 32 && b < 127) {
			printable++
		}
	}
	return float64(printable)/float64(len(data)) > 0.85
}
