// Package drive provides MCP tools that move files between Google Drive and
// the sandbox. Every local read and write goes through the server's gate, so a
// Drive file can only land inside the sandbox root and only sandbox files can
// be uploaded.
package drive

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/thegrumpylion/fsgate/internal/auth"
	"github.com/thegrumpylion/fsgate/internal/server"
	"google.golang.org/api/drive/v3"
)

// Scopes required by the Drive tools. drive.file covers files created by
// drive_export; read-only covers importing anything the account can see.
var Scopes = []string{
	drive.DriveReadonlyScope,
	drive.DriveFileScope,
}

// ServiceFunc returns a Drive client for the named account.
type ServiceFunc func(ctx context.Context, account string) (*drive.Service, error)

// RegisterTools registers the Drive bridge tools on the given server, using
// tokens from mgr. The sandbox must be configured on srv first.
func RegisterTools(srv *server.Server, mgr *auth.Manager) {
	registerListAccounts(srv, mgr.ListAccounts)
	register(srv, mgr.ResolveAccounts, func(ctx context.Context, account string) (*drive.Service, error) {
		opt, err := mgr.ClientOption(ctx, account, Scopes)
		if err != nil {
			return nil, err
		}
		return drive.NewService(ctx, opt)
	})
}

// --- list_accounts ---

func registerListAccounts(srv *server.Server, list func() []auth.AccountInfo) {
	server.AddTool(srv, &mcp.Tool{
		Name:        "list_accounts",
		Description: "List the Google accounts the drive tools can act as. Use this to discover account names for the drive tools.",
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint: true,
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ any) (*mcp.CallToolResult, any, error) {
		return textResult(formatAccounts(list())), nil, nil
	})
}

// formatAccounts lists accounts and flags those missing a Drive scope.
func formatAccounts(accounts []auth.AccountInfo) string {
	if len(accounts) == 0 {
		return "No accounts configured. Run 'fsgate auth add <name>' to add one."
	}
	var sb strings.Builder
	sb.WriteString("Configured accounts:\n")
	for _, a := range accounts {
		fmt.Fprintf(&sb, "  - %s", a.Name)
		if missing := a.Missing(Scopes); len(missing) > 0 {
			fmt.Fprintf(&sb, " (missing %s)", strings.Join(missing, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func register(srv *server.Server, resolve func(string) ([]string, error), newService ServiceFunc) {
	registerSearch(srv, resolve, newService)
	registerImport(srv, newService)
	registerExport(srv, newService)
}

// --- search_drive ---

type searchInput struct {
	Account    string `json:"account" jsonschema:"Account name or 'all' for all accounts"`
	Query      string `json:"query" jsonschema:"Drive search query (e.g. \"name contains 'report'\" or \"mimeType = 'application/pdf'\")"`
	MaxResults int64  `json:"max_results,omitempty" jsonschema:"Maximum number of results per account (default 10, max 50)"`
}

func registerSearch(srv *server.Server, resolve func(string) ([]string, error), newService ServiceFunc) {
	server.AddTool(srv, &mcp.Tool{
		Name:        "search_drive",
		Description: "Search Google Drive files using Drive query syntax. Set account to 'all' to search across all accounts. Returns the file IDs accepted by drive_import.",
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint:  true,
			OpenWorldHint: server.BoolPtr(true),
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input searchInput) (*mcp.CallToolResult, any, error) {
		accounts, err := resolve(input.Account)
		if err != nil {
			return nil, nil, err
		}

		maxResults := input.MaxResults
		if maxResults <= 0 {
			maxResults = 10
		}
		if maxResults > 50 {
			maxResults = 50
		}

		var sb strings.Builder
		multiAccount := len(accounts) > 1

		for _, account := range accounts {
			svc, err := newService(ctx, account)
			if err != nil {
				if multiAccount {
					fmt.Fprintf(&sb, "=== Account: %s ===\nError: %v\n\n", account, err)
					continue
				}
				return nil, nil, fmt.Errorf("creating Drive service: %w", err)
			}

			resp, err := svc.Files.List().
				Q(input.Query).
				PageSize(maxResults).
				Fields("files(id,name,mimeType,size,modifiedTime,webViewLink)").
				Context(ctx).
				Do()
			if err != nil {
				if multiAccount {
					fmt.Fprintf(&sb, "=== Account: %s ===\nError searching: %v\n\n", account, err)
					continue
				}
				return nil, nil, fmt.Errorf("searching files: %w", err)
			}

			if multiAccount {
				fmt.Fprintf(&sb, "=== Account: %s ===\n", account)
			}
			if len(resp.Files) == 0 {
				sb.WriteString("No files found.\n\n")
				continue
			}
			sb.WriteString(formatFileList(resp.Files, account))
		}

		text := sb.String()
		if text == "" {
			text = "No files found."
		}

		return textResult(text), nil, nil
	})
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// formatFileList formats a list of Drive files for display.
// The account parameter is included in each file entry for multi-account context.
func formatFileList(files []*drive.File, account string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d files:\n\n", len(files))
	for _, f := range files {
		fmt.Fprintf(&sb, "- Name: %s\n  ID: %s\n  Account: %s\n  Type: %s\n", f.Name, f.Id, account, f.MimeType)
		if f.Size > 0 {
			fmt.Fprintf(&sb, "  Size: %d bytes\n", f.Size)
		}
		if f.ModifiedTime != "" {
			fmt.Fprintf(&sb, "  Modified: %s\n", f.ModifiedTime)
		}
		if f.WebViewLink != "" {
			fmt.Fprintf(&sb, "  Link: %s\n", f.WebViewLink)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
