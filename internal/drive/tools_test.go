package drive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/thegrumpylion/fsgate/internal/auth"
	"github.com/thegrumpylion/fsgate/internal/gate"
	"github.com/thegrumpylion/fsgate/internal/server"
	driveapi "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

type fakeFile struct {
	meta    driveapi.File
	content string
}

type upload struct {
	meta    driveapi.File
	content string
}

// fakeDrive serves the subset of the Drive v3 REST API used by the bridge.
type fakeDrive struct {
	mu       sync.Mutex
	files    map[string]fakeFile
	uploads  []upload
	requests int
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload/"):
		f.serveUpload(w, r)
	case r.URL.Path == "/files":
		list := &driveapi.FileList{}
		for _, ff := range f.files {
			meta := ff.meta
			list.Files = append(list.Files, &meta)
		}
		sort.Slice(list.Files, func(i, j int) bool { return list.Files[i].Id < list.Files[j].Id })
		writeJSON(w, list)
	case strings.HasSuffix(r.URL.Path, "/export"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/files/"), "/export")
		ff, ok := f.files[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "exported as "+r.URL.Query().Get("mimeType")+": "+ff.content)
	case strings.HasPrefix(r.URL.Path, "/files/"):
		ff, ok := f.files[strings.TrimPrefix(r.URL.Path, "/files/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			io.WriteString(w, ff.content)
			return
		}
		writeJSON(w, &ff.meta)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeDrive) serveUpload(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	var u upload
	metaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := json.NewDecoder(metaPart).Decode(&u.meta); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mediaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(mediaPart)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.content = string(data)
	f.uploads = append(f.uploads, u)

	writeJSON(w, &driveapi.File{
		Id:       "uploaded-1",
		Name:     u.meta.Name,
		MimeType: "text/plain",
		Size:     int64(len(data)),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// newFakeDrive starts a fake Drive API and returns it with a client for it.
func newFakeDrive(t *testing.T) (*fakeDrive, *driveapi.Service) {
	t.Helper()
	fd := &fakeDrive{files: map[string]fakeFile{
		"file-1": {
			meta:    driveapi.File{Id: "file-1", Name: "report.txt", MimeType: "text/plain", Size: 16},
			content: "quarterly report",
		},
		"doc-1": {
			meta:    driveapi.File{Id: "doc-1", Name: "Design Doc", MimeType: "application/vnd.google-apps.document"},
			content: "design",
		},
		"nested-1": {
			meta:    driveapi.File{Id: "nested-1", Name: "a/b/../../../escape.txt", MimeType: "text/plain"},
			content: "sneaky",
		},
	}}
	ts := httptest.NewServer(fd)
	t.Cleanup(ts.Close)

	svc, err := driveapi.NewService(context.Background(),
		option.WithEndpoint(ts.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(ts.Client()),
	)
	if err != nil {
		t.Fatalf("creating Drive service: %v", err)
	}
	return fd, svc
}

func newSandbox(t *testing.T) (root, outside string) {
	t.Helper()
	tmp := t.TempDir()
	root = filepath.Join(tmp, "sandbox")
	outside = filepath.Join(tmp, "outside")
	for _, dir := range []string{root, outside} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("sandbox notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root, outside
}

func newTestManager(t *testing.T) *auth.Manager {
	t.Helper()
	dir := t.TempDir()
	creds := `{"installed":{"client_id":"x","client_secret":"y","auth_uri":"https://a","token_uri":"https://t","redirect_uris":["http://localhost"]}}`
	if err := os.WriteFile(filepath.Join(dir, "credentials.json"), []byte(creds), 0o600); err != nil {
		t.Fatal(err)
	}
	mgr, err := auth.NewManager(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	return mgr
}

func TestRegisterTools(t *testing.T) {
	root, _ := newSandbox(t)
	srv := server.NewServer(&mcp.Implementation{Name: "test-drive", Version: "test"}, nil)
	srv.SetSandbox(root, gate.New())
	RegisterTools(srv, newTestManager(t))

	var names []string
	for _, ti := range srv.Tools() {
		names = append(names, ti.Name)
	}
	sort.Strings(names)
	want := []string{"drive_export", "drive_import", "list_accounts", "search_drive"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestImport(t *testing.T) {
	_, svc := newFakeDrive(t)
	root, _ := newSandbox(t)

	file, n, err := Import(context.Background(), svc, gate.New(), root, "file-1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if file.Name != "report.txt" || n != len("quarterly report") {
		t.Errorf("Import = (%q, %d)", file.Name, n)
	}
	data, err := os.ReadFile(filepath.Join(root, "report.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "quarterly report" {
		t.Errorf("imported content = %q", data)
	}
}

func TestImport_WorkspaceExport(t *testing.T) {
	_, svc := newFakeDrive(t)
	root, _ := newSandbox(t)

	if _, _, err := Import(context.Background(), svc, gate.New(), root, "doc-1", "design.txt", ""); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "design.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "exported as text/plain: design" {
		t.Errorf("exported content = %q", data)
	}
}

func TestImport_Traversal(t *testing.T) {
	_, svc := newFakeDrive(t)
	root, outside := newSandbox(t)

	for _, dest := range []string{"../outside/secret.txt", "../escape.txt"} {
		_, _, err := Import(context.Background(), svc, gate.New(), root, "file-1", dest, "")
		if !errors.Is(err, gate.ErrAccessDenied) {
			t.Errorf("Import to %q: error = %v, want ErrAccessDenied", dest, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(outside, "secret.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "secret" {
		t.Errorf("secret.txt modified: %q", data)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.txt")); !os.IsNotExist(err) {
		t.Errorf("escape.txt must not exist, stat error = %v", err)
	}
}

func TestImport_DriveNameCannotEscape(t *testing.T) {
	_, svc := newFakeDrive(t)
	root, _ := newSandbox(t)

	if _, _, err := Import(context.Background(), svc, gate.New(), root, "nested-1", "", ""); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "escape.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "sneaky" {
		t.Errorf("content = %q", data)
	}
}

func TestImport_UnknownFile(t *testing.T) {
	_, svc := newFakeDrive(t)
	root, _ := newSandbox(t)

	if _, _, err := Import(context.Background(), svc, gate.New(), root, "missing", "x.txt", ""); err == nil {
		t.Fatal("Import of unknown Drive file returned nil error")
	}
	if _, err := os.Stat(filepath.Join(root, "x.txt")); !os.IsNotExist(err) {
		t.Errorf("x.txt must not be created, stat error = %v", err)
	}
}

func TestExport(t *testing.T) {
	fd, svc := newFakeDrive(t)
	root, _ := newSandbox(t)

	created, err := Export(context.Background(), svc, gate.New(), root, "notes.txt", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if created.Id != "uploaded-1" || created.Name != "notes.txt" {
		t.Errorf("created = %+v", created)
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(fd.uploads))
	}
	if fd.uploads[0].content != "sandbox notes" {
		t.Errorf("uploaded content = %q", fd.uploads[0].content)
	}
}

func TestExport_Failures(t *testing.T) {
	fd, svc := newFakeDrive(t)
	root, _ := newSandbox(t)

	tests := []struct {
		name string
		src  string
		want error
	}{
		{"traversal", "../outside/secret.txt", gate.ErrAccessDenied},
		{"missing", "missing.txt", gate.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Export(context.Background(), svc, gate.New(), root, tt.src, "", "", "")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.requests != 0 {
		t.Errorf("Drive received %d requests, want 0", fd.requests)
	}
}

// connectTools registers the bridge tools against the fake Drive and returns
// a connected client session.
func connectTools(t *testing.T, root string, svc *driveapi.Service) *mcp.ClientSession {
	t.Helper()
	srv := server.NewServer(&mcp.Implementation{Name: "test-drive", Version: "test"}, nil)
	srv.SetSandbox(root, gate.New())
	server.RegisterSandboxTools(srv)
	register(srv,
		func(name string) ([]string, error) { return []string{name}, nil },
		func(context.Context, string) (*driveapi.Service, error) { return svc, nil },
	)
	return connectServer(t, srv)
}

func connectServer(t *testing.T, srv *server.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func callText(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (bool, string) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return res.IsError, strings.Join(texts, "\n")
}

func TestImportTool_ThenReadFile(t *testing.T) {
	_, svc := newFakeDrive(t)
	root, _ := newSandbox(t)
	cs := connectTools(t, root, svc)

	isErr, text := callText(t, cs, "drive_import", map[string]any{"account": "personal", "file_id": "file-1", "path": "imported.txt"})
	if isErr {
		t.Fatalf("drive_import failed: %s", text)
	}
	if !strings.Contains(text, "imported.txt") {
		t.Errorf("result %q should name the destination", text)
	}

	isErr, text = callText(t, cs, "read_file", map[string]any{"path": "imported.txt"})
	if isErr || text != "quarterly report" {
		t.Errorf("read_file = (%v, %q)", isErr, text)
	}
}

func TestImportTool_Denied(t *testing.T) {
	_, svc := newFakeDrive(t)
	root, _ := newSandbox(t)
	cs := connectTools(t, root, svc)

	isErr, text := callText(t, cs, "drive_import", map[string]any{"account": "personal", "file_id": "file-1", "path": "../escape.txt"})
	if !isErr {
		t.Fatalf("expected error result, got %q", text)
	}
	if !strings.Contains(text, "access denied") {
		t.Errorf("error text %q should contain access denied", text)
	}
}

func TestExportTool(t *testing.T) {
	_, svc := newFakeDrive(t)
	root, _ := newSandbox(t)
	cs := connectTools(t, root, svc)

	isErr, text := callText(t, cs, "drive_export", map[string]any{"account": "personal", "path": "notes.txt", "name": "uploaded.txt"})
	if isErr {
		t.Fatalf("drive_export failed: %s", text)
	}
	if !strings.Contains(text, "File ID: uploaded-1") || !strings.Contains(text, "uploaded.txt") {
		t.Errorf("unexpected result %q", text)
	}

	isErr, text = callText(t, cs, "drive_export", map[string]any{"account": "personal", "path": "missing.txt"})
	if !isErr || !strings.Contains(text, "not found") {
		t.Errorf("export of missing file = (%v, %q), want not found error", isErr, text)
	}
}

func TestSearchTool(t *testing.T) {
	_, svc := newFakeDrive(t)
	root, _ := newSandbox(t)
	cs := connectTools(t, root, svc)

	isErr, text := callText(t, cs, "search_drive", map[string]any{"account": "personal", "query": "name contains 'report'"})
	if isErr {
		t.Fatalf("search_drive failed: %s", text)
	}
	if !strings.Contains(text, "file-1") || !strings.Contains(text, "Account: personal") {
		t.Errorf("unexpected search result %q", text)
	}
}

func TestIsGoogleWorkspaceFile(t *testing.T) {
	tests := []struct {
		mimeType string
		want     bool
	}{
		{"application/vnd.google-apps.document", true},
		{"application/vnd.google-apps.spreadsheet", true},
		{"application/vnd.google-apps.presentation", true},
		{"application/vnd.google-apps.drawing", true},
		{"application/vnd.google-apps.script", true},
		{"application/pdf", false},
		{"text/plain", false},
		{"image/png", false},
		{"application/vnd.google-apps.folder", false},
	}

	for _, tt := range tests {
		t.Run(tt.mimeType, func(t *testing.T) {
			got := isGoogleWorkspaceFile(tt.mimeType)
			if got != tt.want {
				t.Errorf("isGoogleWorkspaceFile(%q) = %v, want %v", tt.mimeType, got, tt.want)
			}
		})
	}
}

func TestDefaultExportMIME(t *testing.T) {
	tests := []struct {
		mimeType string
		want     string
	}{
		{"application/vnd.google-apps.document", "text/plain"},
		{"application/vnd.google-apps.spreadsheet", "text/csv"},
		{"application/vnd.google-apps.presentation", "text/plain"},
		{"application/vnd.google-apps.drawing", "image/png"},
		{"application/vnd.google-apps.script", "application/vnd.google-apps.script+json"},
		{"unknown/type", "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.mimeType, func(t *testing.T) {
			got := defaultExportMIME(tt.mimeType)
			if got != tt.want {
				t.Errorf("defaultExportMIME(%q) = %q, want %q", tt.mimeType, got, tt.want)
			}
		})
	}
}

func TestFormatFileList(t *testing.T) {
	files := []*driveapi.File{
		{
			Id:           "file-1",
			Name:         "report.pdf",
			MimeType:     "application/pdf",
			Size:         1024,
			ModifiedTime: "2024-01-15T10:00:00Z",
			WebViewLink:  "https://drive.google.com/file/d/file-1/view",
		},
		{
			Id:       "file-2",
			Name:     "notes.txt",
			MimeType: "text/plain",
		},
	}

	result := formatFileList(files, "personal")

	for _, want := range []string{"Found 2 files", "report.pdf", "notes.txt", "file-1", "Account: personal", "1024 bytes", "2024-01-15"} {
		if !strings.Contains(result, want) {
			t.Errorf("result should contain %q", want)
		}
	}
}

func TestFormatFileList_Empty(t *testing.T) {
	result := formatFileList([]*driveapi.File{}, "work")
	if !strings.Contains(result, "Found 0 files") {
		t.Errorf("formatFileList() = %q, want 'Found 0 files'", result)
	}
}

func TestScopes(t *testing.T) {
	if len(Scopes) != 2 {
		t.Errorf("Scopes = %v, want read-only and drive.file", Scopes)
	}
}

func TestFormatAccounts(t *testing.T) {
	if got := formatAccounts(nil); !strings.Contains(got, "fsgate auth add") {
		t.Errorf("formatAccounts(nil) = %q, want a hint to add an account", got)
	}

	got := formatAccounts([]auth.AccountInfo{
		{Name: "full", Scopes: Scopes},
		{Name: "narrow", Scopes: []string{driveapi.DriveReadonlyScope}},
		{Name: "unrecorded"},
	})
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 4 {
		t.Fatalf("formatAccounts = %q, want a header and 3 accounts", got)
	}
	if strings.Contains(lines[1], "missing") || strings.Contains(lines[3], "missing") {
		t.Errorf("accounts with every scope flagged as missing: %q", got)
	}
	if !strings.Contains(lines[2], "narrow (missing "+driveapi.DriveFileScope+")") {
		t.Errorf("narrow account line = %q, want drive.file flagged", lines[2])
	}
}

func TestListAccountsTool(t *testing.T) {
	root, _ := newSandbox(t)
	srv := server.NewServer(&mcp.Implementation{Name: "test-drive", Version: "test"}, nil)
	srv.SetSandbox(root, gate.New())
	registerListAccounts(srv, func() []auth.AccountInfo {
		return []auth.AccountInfo{{Name: "work", Scopes: Scopes}}
	})

	isErr, text := callText(t, connectServer(t, srv), "list_accounts", map[string]any{})
	if isErr {
		t.Fatalf("list_accounts failed: %s", text)
	}
	if !strings.Contains(text, "- work") {
		t.Errorf("list_accounts = %q, want the work account", text)
	}
}
