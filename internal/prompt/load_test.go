package prompt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMarkdownFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("# Do the thing\n"), 0o644)

	got, err := NewLoader().Load(context.Background(), dir, "CLAUDE.md")
	if err != nil {
		t.Fatal(err)
	}
	if got != "# Do the thing\n" {
		t.Errorf("expected file content unchanged, got %q", got)
	}
}

func TestLoadHTMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guide.html")
	os.WriteFile(path, []byte("<h1>Rules</h1><p>Write <strong>tests</strong>.</p>"), 0o644)

	got, err := NewLoader().Load(context.Background(), "/elsewhere", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "# Rules") || !strings.Contains(got, "**tests**") {
		t.Errorf("expected markdown conversion, got %q", got)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := NewLoader().Load(context.Background(), t.TempDir(), "CLAUDE.md"); err == nil {
		t.Fatal("expected error for missing file")
	}
	if Exists(t.TempDir(), "CLAUDE.md") {
		t.Error("expected Exists false for missing file")
	}
}

func TestLoadURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte("<html><body><h2>Protocol</h2><ul><li>one story</li></ul></body></html>"))
		case "/raw.md":
			w.Header().Set("Content-Type", "text/markdown")
			w.Write([]byte("plain *markdown*"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	l := NewLoader()
	ctx := context.Background()

	got, err := l.Load(ctx, "", server.URL+"/page")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "## Protocol") || !strings.Contains(got, "one story") {
		t.Errorf("expected converted page, got %q", got)
	}

	got, err = l.Load(ctx, "", server.URL+"/raw.md")
	if err != nil {
		t.Fatal(err)
	}
	if got != "plain *markdown*" {
		t.Errorf("expected raw markdown, got %q", got)
	}

	if _, err := l.Load(ctx, "", server.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
}
