package search

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func skipIfNoRipgrep(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("rg"); err != nil {
		t.Skip("rg not installed")
	}
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return dir
}

func TestSearchFindsMatches(t *testing.T) {
	skipIfNoRipgrep(t)
	dir := writeFiles(t, map[string]string{
		"main.go":       "package main\nfunc needle() {}\n",
		"lib/helper.go": "package lib\n// needle here too\n",
		"README.md":     "nothing of note\n",
	})

	matches, err := New().Search(context.Background(), dir, "needle", nil)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(matches), matches)
	}
	byPath := map[string]Match{}
	for _, m := range matches {
		byPath[m.Path] = m
	}
	if m, ok := byPath["main.go"]; !ok || m.Line != 2 || !strings.Contains(m.Text, "needle()") {
		t.Errorf("main.go match = %+v", m)
	}
	if _, ok := byPath[filepath.Join("lib", "helper.go")]; !ok {
		t.Errorf("lib/helper.go missing from %+v", matches)
	}
}

func TestSearchNoMatches(t *testing.T) {
	skipIfNoRipgrep(t)
	dir := writeFiles(t, map[string]string{"a.txt": "hello\n"})

	matches, err := New().Search(context.Background(), dir, "absent-token", nil)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches, want 0", len(matches))
	}
}

func TestSearchSmartCase(t *testing.T) {
	skipIfNoRipgrep(t)
	dir := writeFiles(t, map[string]string{"a.txt": "Widget\nwidget\n"})

	s := New()
	lower, err := s.Search(context.Background(), dir, "widget", nil)
	if err != nil {
		t.Fatalf("Search(lower) error: %v", err)
	}
	if len(lower) != 2 {
		t.Errorf("lowercase query matched %d lines, want 2 (case-insensitive)", len(lower))
	}

	upper, err := s.Search(context.Background(), dir, "Widget", nil)
	if err != nil {
		t.Fatalf("Search(upper) error: %v", err)
	}
	if len(upper) != 1 {
		t.Errorf("cased query matched %d lines, want 1 (case-sensitive)", len(upper))
	}
}

func TestSearchSkipsExcludedDirs(t *testing.T) {
	skipIfNoRipgrep(t)
	dir := writeFiles(t, map[string]string{
		"src/app.js":            "needle\n",
		"node_modules/dep/x.js": "needle\n",
		"dist/bundle.js":        "needle\n",
	})

	matches, err := New().Search(context.Background(), dir, "needle", nil)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(matches) != 1 || !strings.HasSuffix(matches[0].Path, "app.js") {
		t.Errorf("matches = %+v, want only src/app.js", matches)
	}
}

func TestSearchScopedPaths(t *testing.T) {
	skipIfNoRipgrep(t)
	dir := writeFiles(t, map[string]string{
		"a/one.txt": "needle\n",
		"b/two.txt": "needle\n",
	})

	matches, err := New().Search(context.Background(), dir, "needle", []string{"a"})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(matches) != 1 || !strings.Contains(matches[0].Path, "one.txt") {
		t.Errorf("matches = %+v, want only a/one.txt", matches)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	matches, err := New().Search(context.Background(), t.TempDir(), "", nil)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if matches != nil {
		t.Errorf("matches = %+v, want nil", matches)
	}
}

func TestParseMatchesCapsResults(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxMatches+50; i++ {
		b.WriteString(`{"type":"match","data":{"path":{"text":"f.txt"},"line_number":1,"lines":{"text":"x\n"}}}` + "\n")
	}
	matches, err := parseMatches(strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("parseMatches() error: %v", err)
	}
	if len(matches) != maxMatches {
		t.Errorf("got %d matches, want cap %d", len(matches), maxMatches)
	}
}
