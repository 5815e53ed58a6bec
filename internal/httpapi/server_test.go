//go:build !windows

package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpose/internal/audit"
	"logpose/internal/auth"
	"logpose/internal/config"
	"logpose/internal/git"
	"logpose/internal/repo"
	"logpose/internal/session"
	"logpose/internal/settings"
	"logpose/internal/tasks"
	"logpose/internal/testutil"
)

const (
	userEmail  = "jane@example.com"
	otherEmail = "omar@example.com"
	adminEmail = "admin@example.com"
)

type testEnv struct {
	ts     *httptest.Server
	server *Server
	repoID string
	// demoPath is the on-disk repo backing repoID.
	demoPath string
}

// newTestEnv stands up a full server: one repo root "work" holding a git
// repo "demo", a dev-mode gate, and a session manager spawning cat.
func newTestEnv(t *testing.T, sessOpts session.Options) *testEnv {
	t.Helper()
	testutil.SkipIfNoGit(t)

	parent := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(parent); err == nil {
		parent = resolved
	}
	root := filepath.Join(parent, "work")
	demo := filepath.Join(root, "demo")
	require.NoError(t, os.MkdirAll(demo, 0o755))
	testutil.RunGit(t, demo, "init", "-b", "main")
	testutil.RunGit(t, demo, "config", "user.email", "test@test.com")
	testutil.RunGit(t, demo, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(demo, "README.md"), []byte("# demo\n"), 0o644))
	testutil.RunGit(t, demo, "add", ".")
	testutil.RunGit(t, demo, "commit", "-m", "initial")

	cfg := &config.Config{
		Env:                config.EnvDevelopment,
		RepoRoots:          []string{root},
		MaxSessionsPerUser: sessOpts.MaxSessionsPerUser,
		MaxTotalSessions:   sessOpts.MaxTotalSessions,
		MaxFileSizeBytes:   2_000_000,
		TasksEnabled:       true,
		ClaudePath:         "cat",
	}
	registry, err := repo.NewRegistry([]string{root})
	require.NoError(t, err)

	store, err := settings.Open(t.TempDir(), settings.Settings{
		AllowlistEmails: []string{userEmail, otherEmail, adminEmail},
		AdminEmails:     []string{adminEmail},
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditLog, err := audit.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	if sessOpts.Command == "" {
		sessOpts.Command = "cat"
	}
	mgr := session.NewManager(sessOpts)
	t.Cleanup(mgr.Close)

	runner := tasks.NewRunner([]tasks.Task{{Name: "greet", Command: "echo task-output"}})

	srv := New(cfg, registry, git.NewWorktreeManager(), mgr, auth.NewDevGate(store), store, auditLog, runner)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, server: srv, repoID: "work/demo", demoPath: demo}
}

// do sends an authenticated JSON request and decodes the response body.
func (e *testEnv) do(t *testing.T, method, path, email string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	if email != "" {
		req.Header.Set("X-Dev-Email", email)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func errorCode(body map[string]any) string {
	if e, ok := body["error"].(map[string]any); ok {
		code, _ := e["code"].(string)
		return code
	}
	return ""
}

func TestHealthIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, session.Options{})
	status, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAPIRequiresIdentity(t *testing.T) {
	env := newTestEnv(t, session.Options{})

	status, body := env.do(t, http.MethodGet, "/api/repos", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, body = env.do(t, http.MethodGet, "/api/repos", "intruder@example.com", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorCode(body))
}

func TestListRepos(t *testing.T) {
	env := newTestEnv(t, session.Options{})
	status, body := env.do(t, http.MethodGet, "/api/repos", userEmail, nil)
	require.Equal(t, http.StatusOK, status)

	repos, ok := body["repos"].([]any)
	require.True(t, ok, "body: %v", body)
	require.Len(t, repos, 1)
	first := repos[0].(map[string]any)
	assert.Equal(t, "work/demo", first["id"])
	assert.Equal(t, "demo", first["displayName"])
}
