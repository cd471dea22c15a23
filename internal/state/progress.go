package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ProgressFile is the free-form progress log the agent appends learnings to.
const ProgressFile = "progress.txt"

// ProgressHeader is the content of a fresh progress log.
func ProgressHeader(now time.Time) string {
	return fmt.Sprintf("# Ralph Progress Log\nStarted: %s\n---\n", now.Format("2006-01-02 15:04:05"))
}

// ProgressLog manages progress.txt in a target directory.
type ProgressLog struct {
	path string
	mu   sync.Mutex
}

func NewProgressLog(dir string) *ProgressLog {
	return &ProgressLog{path: filepath.Join(dir, ProgressFile)}
}

func (p *ProgressLog) Path() string { return p.path }

// Ensure creates the log with a header if it does not exist yet.
func (p *ProgressLog) Ensure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := os.Stat(p.path); err == nil {
		return nil
	}
	return writeFileAtomic(p.path, []byte(ProgressHeader(time.Now())))
}

// Reset truncates the log back to a fresh header.
func (p *ProgressLog) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return writeFileAtomic(p.path, []byte(ProgressHeader(time.Now())))
}

// Append adds entry as its own line.
func (p *ProgressLog) Append(entry string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	defer f.Close()
	if !strings.HasSuffix(entry, "\n") {
		entry += "\n"
	}
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("write progress log: %w", err)
	}
	return nil
}

// Read returns the whole log. A missing log reads as empty.
func (p *ProgressLog) Read() (string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read progress log: %w", err)
	}
	return string(data), nil
}

// ProgressTail is the end of the progress log.
type ProgressTail struct {
	Exists     bool     `json:"exists"`
	Path       string   `json:"progress_file"`
	LastLines  []string `json:"last_lines"`
	TotalLines int      `json:"total_lines"`
}

// Tail returns the last n lines of the log.
func (p *ProgressLog) Tail(n int) (*ProgressTail, error) {
	if n <= 0 {
		n = 10
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProgressTail{Path: p.path, LastLines: []string{}}, nil
		}
		return nil, fmt.Errorf("read progress log: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	tail := &ProgressTail{Exists: true, Path: p.path, TotalLines: len(lines), LastLines: lines}
	if len(lines) > n {
		tail.LastLines = lines[len(lines)-n:]
	}
	return tail, nil
}
