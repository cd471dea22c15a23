// Package archive snapshots a target's backlog and progress notes when the
// PRD moves to a different branch.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/ralph/internal/state"
)

const (
	// MarkerFile holds the branch name seen on the previous run.
	MarkerFile = ".last-branch"
	// Dir is the archive root inside a target directory.
	Dir = "archive"
)

// Result describes what MaybeArchive did.
type Result struct {
	Archived       bool   `json:"archived"`
	Folder         string `json:"folder,omitempty"`
	PreviousBranch string `json:"previous_branch,omitempty"`
	CurrentBranch  string `json:"current_branch,omitempty"`
}

// Manager archives one target directory.
type Manager struct {
	dir      string
	prd      *state.PRDStore
	progress *state.ProgressLog
	now      func() time.Time
}

func New(dir string) *Manager {
	return &Manager{
		dir:      dir,
		prd:      state.NewPRDStore(filepath.Join(dir, state.PRDFile)),
		progress: state.NewProgressLog(dir),
		now:      time.Now,
	}
}

func (m *Manager) markerPath() string { return filepath.Join(m.dir, MarkerFile) }

// LastBranch returns the recorded branch, or "" when there is no marker.
func (m *Manager) LastBranch() (string, error) {
	data, err := os.ReadFile(m.markerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read branch marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (m *Manager) writeMarker(branch string) error {
	if err := os.WriteFile(m.markerPath(), []byte(branch+"\n"), 0o644); err != nil {
		return fmt.Errorf("write branch marker: %w", err)
	}
	return nil
}

// MaybeArchive compares the PRD's branch with the marker. On a change the
// previous PRD and progress log are copied into a dated folder, progress is
// reset and the marker updated. Existing archive folders are never reused.
func (m *Manager) MaybeArchive(ctx context.Context) (Result, error) {
	prd, err := m.prd.Load(ctx)
	if err != nil {
		if errors.Is(err, state.ErrNoPRD) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("load prd: %w", err)
	}
	current := strings.TrimSpace(prd.BranchName)
	res := Result{CurrentBranch: current}
	if current == "" {
		return res, nil
	}

	previous, err := m.LastBranch()
	if err != nil {
		return res, err
	}
	res.PreviousBranch = previous

	if previous == "" {
		return res, m.writeMarker(current)
	}
	if previous == current {
		return res, nil
	}

	folder, err := m.nextFolder(previous)
	if err != nil {
		return res, err
	}
	for _, name := range []string{state.PRDFile, state.ProgressFile} {
		if err := copyIfExists(filepath.Join(m.dir, name), filepath.Join(folder, name)); err != nil {
			return res, err
		}
	}
	res.Archived = true
	res.Folder = folder
	slog.Info("archived previous run", "from_branch", previous, "to_branch", current, "folder", folder)

	if err := m.progress.Reset(); err != nil {
		return res, fmt.Errorf("reset progress: %w", err)
	}
	return res, m.writeMarker(current)
}

// FolderName is the archive folder for branch on day.
func FolderName(day time.Time, branch string) string {
	return day.Format("2006-01-02") + "-" + sanitizeBranch(branch)
}

func sanitizeBranch(branch string) string {
	branch = strings.TrimPrefix(branch, "ralph/")
	return strings.NewReplacer("/", "-", `\`, "-").Replace(branch)
}

// nextFolder creates and returns the first free archive folder for branch.
func (m *Manager) nextFolder(branch string) (string, error) {
	root := filepath.Join(m.dir, Dir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	base := filepath.Join(root, FolderName(m.now(), branch))
	candidate := base
	for i := 1; ; i++ {
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create archive folder: %w", err)
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

// List returns the archive folder names, oldest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, Dir))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func copyIfExists(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
