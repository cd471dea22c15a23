package prompt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const maxInstructionChars = 200000

// Loader reads instruction documents from disk or over HTTP. HTML sources
// are converted to markdown before they reach the agent.
type Loader struct {
	client *http.Client
}

func NewLoader() *Loader {
	return &Loader{client: &http.Client{Timeout: 30 * time.Second}}
}

// Load returns the instruction text at src. Relative paths resolve against dir.
func (l *Loader) Load(ctx context.Context, dir, src string) (string, error) {
	if src == "" {
		return "", fmt.Errorf("instruction source is empty")
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return l.fetch(ctx, src)
	}

	path := src
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read instructions: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return toMarkdown(string(data))
	}
	return string(data), nil
}

// Exists reports whether a file source is present. URLs are assumed reachable.
func Exists(dir, src string) bool {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return true
	}
	path := src
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	_, err := os.Stat(path)
	return err == nil
}

func (l *Loader) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Ralph/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch instructions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch instructions: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*maxInstructionChars))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return toMarkdown(string(body))
	}
	return truncate(string(body)), nil
}

func toMarkdown(html string) (string, error) {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return truncate(md), nil
}

func truncate(s string) string {
	if len(s) > maxInstructionChars {
		return s[:maxInstructionChars] + "\n\n[Content truncated]"
	}
	return s
}
