// Package auth stores OAuth2 tokens for the Google accounts the Drive bridge
// acts as. Client credentials come from a Google Cloud Console
// credentials.json; tokens live in tokens.json next to it. Neither file may be
// reachable from a sandbox root, since the file tools could read or replace it.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/thegrumpylion/fsgate/internal/resolver"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// ErrUnknownAccount is returned for an account name with no stored token.
var ErrUnknownAccount = errors.New("unknown account")

// Account is a stored Google account.
type Account struct {
	// Scopes are the scopes granted at consent time.
	Scopes []string      `json:"scopes,omitempty"`
	Token  *oauth2.Token `json:"token"`
}

// AccountInfo describes a stored account without its token.
type AccountInfo struct {
	Name   string
	Scopes []string
}

type tokenFile struct {
	Accounts map[string]*Account `json:"accounts"`
}

// Manager loads, refreshes and persists account tokens. It is safe for
// concurrent use.
type Manager struct {
	mu              sync.RWMutex
	configDir       string
	credentialsFile string
	accounts        map[string]*Account
}

// NewManager creates a Manager and loads any stored tokens.
//
// configDir defaults to $XDG_CONFIG_HOME/fsgate (or ~/.config/fsgate).
// credentialsFile defaults to <configDir>/credentials.json.
func NewManager(configDir, credentialsFile string) (*Manager, error) {
	if configDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("could not determine config directory: %w", err)
		}
		configDir = filepath.Join(base, "fsgate")
	}
	if credentialsFile == "" {
		credentialsFile = filepath.Join(configDir, "credentials.json")
	}

	m := &Manager{configDir: configDir, credentialsFile: credentialsFile}
	accounts, err := m.load()
	if err != nil {
		return nil, err
	}
	m.accounts = accounts
	return m, nil
}

// ConfigDir returns the configuration directory path.
func (m *Manager) ConfigDir() string {
	return m.configDir
}

// CredentialsFile returns the path to the Google credentials.json file.
func (m *Manager) CredentialsFile() string {
	return m.credentialsFile
}

func (m *Manager) tokensPath() string {
	return filepath.Join(m.configDir, "tokens.json")
}

// CheckOutside fails if the tokens file or the credentials file lies inside
// root, following symlinks.
func (m *Manager) CheckOutside(root string) error {
	canonRoot, err := resolver.CanonicalRoot(root)
	if err != nil {
		return err
	}
	for _, p := range []string{m.tokensPath(), m.credentialsFile} {
		canon, err := canonicalPath(p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p, err)
		}
		if resolver.Within(canonRoot, canon) {
			return fmt.Errorf("%s is inside the sandbox root %s; move it or use --config-dir and --credentials", p, root)
		}
	}
	return nil
}

// canonicalPath evaluates symlinks in the deepest existing ancestor of p.
func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	var suffix []string
	for dir := abs; ; dir = filepath.Dir(dir) {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			slices.Reverse(suffix)
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		}
		if filepath.Dir(dir) == dir {
			return abs, nil
		}
		suffix = append(suffix, filepath.Base(dir))
	}
}

func (m *Manager) load() (map[string]*Account, error) {
	data, err := os.ReadFile(m.tokensPath())
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]*Account), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tokens: %w", err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing tokens: %w", err)
	}
	if tf.Accounts == nil {
		tf.Accounts = make(map[string]*Account)
	}
	return tf.Accounts, nil
}

// save writes tokens.json through a temporary file so a crash never leaves a
// truncated file behind. Callers hold m.mu.
func (m *Manager) save() error {
	if err := os.MkdirAll(m.configDir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(tokenFile{Accounts: m.accounts}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling tokens: %w", err)
	}

	tmp, err := os.CreateTemp(m.configDir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("writing tokens: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, werr := tmp.Write(data)
	if err := errors.Join(werr, tmp.Close()); err != nil {
		return fmt.Errorf("writing tokens: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.tokensPath()); err != nil {
		return fmt.Errorf("writing tokens: %w", err)
	}
	return nil
}

// oauthConfig reads the credentials.json file and builds an oauth2.Config
// with the given scopes.
func (m *Manager) oauthConfig(scopes []string) (*oauth2.Config, error) {
	data, err := os.ReadFile(m.credentialsFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("credentials file not found at %s\n\nDownload it from https://console.cloud.google.com/apis/credentials and place it there, or use --credentials to specify a different path", m.credentialsFile)
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	cfg, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	return cfg, nil
}

// ListAccounts returns the stored accounts sorted by name.
func (m *Manager) ListAccounts() []AccountInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]AccountInfo, 0, len(m.accounts))
	for name, acct := range m.accounts {
		infos = append(infos, AccountInfo{Name: name, Scopes: slices.Clone(acct.Scopes)})
	}
	slices.SortFunc(infos, func(a, b AccountInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos
}

// ResolveAccounts expands an account argument into account names. "all"
// selects every stored account in sorted order; anything else must name a
// stored account.
func (m *Manager) ResolveAccounts(name string) ([]string, error) {
	if name != "all" {
		m.mu.RLock()
		_, ok := m.accounts[name]
		m.mu.RUnlock()
		if !ok {
			return nil, unknownAccount(name)
		}
		return []string{name}, nil
	}

	infos := m.ListAccounts()
	if len(infos) == 0 {
		return nil, fmt.Errorf("no accounts configured; run 'fsgate auth add <name>' first")
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names, nil
}

func unknownAccount(name string) error {
	return fmt.Errorf("%w %q; run 'fsgate auth add %s' first", ErrUnknownAccount, name, name)
}

// RemoveAccount removes an account by name.
func (m *Manager) RemoveAccount(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[name]; !ok {
		return unknownAccount(name)
	}
	delete(m.accounts, name)
	return m.save()
}

// Authenticate runs the OAuth2 authorization code flow for a named account.
// It prints the consent URL to out, waits for the redirect on a loopback
// listener and stores the token together with the granted scopes.
func (m *Manager) Authenticate(ctx context.Context, out io.Writer, name string, scopes []string) error {
	cfg, err := m.oauthConfig(scopes)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("starting local listener: %w", err)
	}
	defer listener.Close()
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d/callback", listener.Addr().(*net.TCPAddr).Port)

	state := rand.Text()
	fmt.Fprintf(out, "\nOpen this URL in your browser to authorize account %q:\n\n%s\n\nWaiting for authorization...\n",
		name, cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	code, err := awaitCode(ctx, listener, state)
	if err != nil {
		return err
	}
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging auth code for token: %w", err)
	}

	m.mu.Lock()
	m.accounts[name] = &Account{Scopes: grantedScopes(token, scopes), Token: token}
	err = m.save()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Account %q authenticated successfully.\n", name)
	return nil
}

// awaitCode serves the OAuth redirect on l until a code carrying state
// arrives, the user denies consent, or ctx is done.
func awaitCode(ctx context.Context, l net.Listener, state string) (string, error) {
	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)
	report := func(r result) {
		select {
		case results <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "Invalid state parameter.", http.StatusBadRequest)
		case q.Get("error") != "":
			report(result{err: fmt.Errorf("oauth error: %s", q.Get("error"))})
			fmt.Fprintf(w, "Authorization failed: %s. You can close this tab.", q.Get("error"))
		case q.Get("code") == "":
			report(result{err: errors.New("no authorization code received")})
			fmt.Fprint(w, "No authorization code received. You can close this tab.")
		default:
			report(result{code: q.Get("code")})
			fmt.Fprint(w, "Authorization successful! You can close this tab.")
		}
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			report(result{err: fmt.Errorf("callback server error: %w", err)})
		}
	}()
	defer srv.Close()

	select {
	case r := <-results:
		return r.code, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// grantedScopes returns the scopes Google reports in the token response,
// or requested if the response carries none.
func grantedScopes(token *oauth2.Token, requested []string) []string {
	if s, ok := token.Extra("scope").(string); ok && s != "" {
		return strings.Fields(s)
	}
	return slices.Clone(requested)
}

// Missing returns the entries of required the account was not granted.
// Accounts stored without scope information are assumed to have them all.
func (a AccountInfo) Missing(required []string) []string {
	if len(a.Scopes) == 0 {
		return nil
	}
	var missing []string
	for _, s := range required {
		if !slices.Contains(a.Scopes, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// TokenSource returns an oauth2.TokenSource for the named account that
// refreshes expired tokens and persists the refreshed token. It fails if the
// account was not granted every scope in required.
func (m *Manager) TokenSource(ctx context.Context, name string, required []string) (oauth2.TokenSource, error) {
	m.mu.RLock()
	acct, ok := m.accounts[name]
	var token *oauth2.Token
	var missing []string
	if ok {
		token = acct.Token
		missing = AccountInfo{Name: name, Scopes: acct.Scopes}.Missing(required)
	}
	m.mu.RUnlock()

	if !ok {
		return nil, unknownAccount(name)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("account %q was not granted %s; run 'fsgate auth add %s' again",
			name, strings.Join(missing, ", "), name)
	}

	cfg, err := m.oauthConfig(required)
	if err != nil {
		return nil, err
	}
	return &persistingTokenSource{
		base:    cfg.TokenSource(ctx, token),
		manager: m,
		name:    name,
		last:    token,
	}, nil
}

// ClientOption returns a google API option.ClientOption for the named account.
func (m *Manager) ClientOption(ctx context.Context, name string, required []string) (option.ClientOption, error) {
	ts, err := m.TokenSource(ctx, name, required)
	if err != nil {
		return nil, err
	}
	return option.WithTokenSource(ts), nil
}

// storeToken records a refreshed token for name, if the account still exists.
func (m *Manager) storeToken(name string, token *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[name]
	if !ok {
		return nil
	}
	acct.Token = token
	return m.save()
}

// persistingTokenSource wraps a token source and saves refreshed tokens.
type persistingTokenSource struct {
	mu      sync.Mutex
	base    oauth2.TokenSource
	manager *Manager
	name    string
	last    *oauth2.Token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken != s.last.AccessToken {
		s.last = token
		// A failed save only costs a refresh on the next start.
		_ = s.manager.storeToken(s.name, token)
	}
	return token, nil
}
