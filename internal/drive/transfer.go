package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/thegrumpylion/fsgate/internal/gate"
	"github.com/thegrumpylion/fsgate/internal/server"
	"google.golang.org/api/drive/v3"
)

// maxTransferSize bounds how much is downloaded from Drive into the sandbox.
const maxTransferSize = 32 << 20

// Import downloads the Drive file fileID and writes it through g to dest
// inside root. An empty dest uses the Drive file name. Google Workspace files
// are exported as exportMIME, or a per-type default when it is empty.
//
// A dest outside root fails with gate.ErrAccessDenied and nothing is written.
func Import(ctx context.Context, svc *drive.Service, g *gate.Gate, root, fileID, dest, exportMIME string) (*drive.File, int, error) {
	file, err := svc.Files.Get(fileID).Fields("id,name,mimeType,size").Context(ctx).Do()
	if err != nil {
		return nil, 0, fmt.Errorf("getting file metadata: %w", err)
	}
	if dest == "" {
		// Drive names may contain slashes; only the last element names the file.
		dest = path.Base(file.Name)
	}

	var body io.ReadCloser
	if isGoogleWorkspaceFile(file.MimeType) {
		if exportMIME == "" {
			exportMIME = defaultExportMIME(file.MimeType)
		}
		resp, err := svc.Files.Export(fileID, exportMIME).Context(ctx).Download()
		if err != nil {
			return nil, 0, fmt.Errorf("exporting file: %w", err)
		}
		body = resp.Body
	} else {
		resp, err := svc.Files.Get(fileID).Context(ctx).Download()
		if err != nil {
			return nil, 0, fmt.Errorf("downloading file: %w", err)
		}
		body = resp.Body
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxTransferSize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("reading file content: %w", err)
	}
	if len(data) > maxTransferSize {
		return nil, 0, fmt.Errorf("file %s exceeds the %d byte import limit", file.Name, maxTransferSize)
	}

	if err := g.Write(root, dest, data); err != nil {
		return nil, 0, err
	}
	return file, len(data), nil
}

// Export reads src inside root through g and uploads it to Drive as a new
// file. An empty name uses the base name of src.
func Export(ctx context.Context, svc *drive.Service, g *gate.Gate, root, src, name, mimeType, folderID string) (*drive.File, error) {
	data, err := g.Read(root, src)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = path.Base(strings.ReplaceAll(src, `\`, "/"))
	}

	file := &drive.File{Name: name}
	if mimeType != "" {
		file.MimeType = mimeType
	}
	if folderID != "" {
		file.Parents = []string{folderID}
	}

	created, err := svc.Files.Create(file).Media(bytes.NewReader(data)).
		Fields("id,name,mimeType,size,webViewLink").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("uploading file: %w", err)
	}
	return created, nil
}

// --- drive_import ---

type importInput struct {
	Account        string `json:"account" jsonschema:"Account name"`
	FileID         string `json:"file_id" jsonschema:"Google Drive file ID"`
	Path           string `json:"path,omitempty" jsonschema:"Relative destination path within the sandbox (default: the Drive file name)"`
	ExportMIMEType string `json:"export_mime_type,omitempty" jsonschema:"MIME type to export Google Docs/Sheets/Slides as (e.g. 'text/plain', 'text/csv', 'application/pdf')"`
}

func registerImport(srv *server.Server, newService ServiceFunc) {
	server.AddTool(srv, &mcp.Tool{
		Name: "drive_import",
		Description: `Download a Google Drive file into the sandbox.

Google Docs/Sheets/Slides are exported, as export_mime_type when given.
An existing sandbox file at the destination is overwritten. Destinations
outside the sandbox are refused.` + srv.SandboxDescription(),
		Annotations: &mcp.ToolAnnotations{
			DestructiveHint: server.BoolPtr(true),
			OpenWorldHint:   server.BoolPtr(true),
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input importInput) (*mcp.CallToolResult, any, error) {
		if input.FileID == "" {
			return nil, nil, fmt.Errorf("file_id is required")
		}
		svc, err := newService(ctx, input.Account)
		if err != nil {
			return nil, nil, fmt.Errorf("creating Drive service: %w", err)
		}

		root, g := srv.Sandbox()
		file, n, err := Import(ctx, svc, g, root, input.FileID, input.Path, input.ExportMIMEType)
		if err != nil {
			return nil, nil, fmt.Errorf("importing %s: %s: %w", input.FileID, gate.KindOf(err), err)
		}

		dest := input.Path
		if dest == "" {
			dest = path.Base(file.Name)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Imported %s (%s) to %s, %d bytes", file.Name, file.MimeType, dest, n)},
			},
		}, nil, nil
	})
}

// --- drive_export ---

type exportInput struct {
	Account  string `json:"account" jsonschema:"Account name"`
	Path     string `json:"path" jsonschema:"Relative path of the sandbox file to upload"`
	Name     string `json:"name,omitempty" jsonschema:"Drive file name (default: the sandbox file name)"`
	MIMEType string `json:"mime_type,omitempty" jsonschema:"MIME type of the file (auto-detected if omitted)"`
	FolderID string `json:"folder_id,omitempty" jsonschema:"Parent folder ID to upload into (default: root)"`
}

func registerExport(srv *server.Server, newService ServiceFunc) {
	server.AddTool(srv, &mcp.Tool{
		Name: "drive_export",
		Description: `Upload a sandbox file to Google Drive as a new file.

Paths outside the sandbox are refused.` + srv.SandboxDescription(),
		Annotations: &mcp.ToolAnnotations{
			DestructiveHint: server.BoolPtr(false),
			OpenWorldHint:   server.BoolPtr(true),
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input exportInput) (*mcp.CallToolResult, any, error) {
		if input.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}
		svc, err := newService(ctx, input.Account)
		if err != nil {
			return nil, nil, fmt.Errorf("creating Drive service: %w", err)
		}

		root, g := srv.Sandbox()
		created, err := Export(ctx, svc, g, root, input.Path, input.Name, input.MIMEType, input.FolderID)
		if err != nil {
			return nil, nil, fmt.Errorf("exporting %q: %s: %w", input.Path, gate.KindOf(err), err)
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "File uploaded.\n\n")
		fmt.Fprintf(&sb, "Name: %s\n", created.Name)
		fmt.Fprintf(&sb, "File ID: %s\n", created.Id)
		fmt.Fprintf(&sb, "MIME Type: %s\n", created.MimeType)
		if created.Size > 0 {
			fmt.Fprintf(&sb, "Size: %d bytes\n", created.Size)
		}
		if created.WebViewLink != "" {
			fmt.Fprintf(&sb, "Link: %s\n", created.WebViewLink)
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: sb.String()},
			},
		}, nil, nil
	})
}

// isGoogleWorkspaceFile returns true if the MIME type is a Google Workspace type
// that requires export rather than direct download.
func isGoogleWorkspaceFile(mimeType string) bool {
	switch mimeType {
	case "application/vnd.google-apps.document",
		"application/vnd.google-apps.spreadsheet",
		"application/vnd.google-apps.presentation",
		"application/vnd.google-apps.drawing",
		"application/vnd.google-apps.script":
		return true
	}
	return false
}

// defaultExportMIME returns the default export MIME type for a Google Workspace file.
func defaultExportMIME(mimeType string) string {
	switch mimeType {
	case "application/vnd.google-apps.document":
		return "text/plain"
	case "application/vnd.google-apps.spreadsheet":
		return "text/csv"
	case "application/vnd.google-apps.presentation":
		return "text/plain"
	case "application/vnd.google-apps.drawing":
		return "image/png"
	case "application/vnd.google-apps.script":
		return "application/vnd.google-apps.script+json"
	default:
		return "text/plain"
	}
}
