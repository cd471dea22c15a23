// internal/state/output.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/user/ralph/internal/types"
)

// IterationOutput is the raw agent output captured for one iteration.
type IterationOutput struct {
	RunID     types.RunID    `json:"run_id"`
	Target    types.TargetID `json:"target"`
	Iteration int            `json:"iteration"`
	StoryID   string         `json:"story_id"`
	Backend   string         `json:"backend"`
	Succeeded bool           `json:"succeeded"`
	Sentinel  bool           `json:"sentinel"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Output    string         `json:"output"`
	Error     string         `json:"error,omitempty"`
	Duration  string         `json:"duration"`
	CreatedAt time.Time      `json:"created_at"`
}

// OutputStore keeps one JSON file per iteration at runs/<run_id>/iteration-<n>.json.
type OutputStore struct {
	root string
}

func NewOutputStore(root string) *OutputStore {
	return &OutputStore{root: root}
}

func (o *OutputStore) runDir(runID types.RunID) string {
	return filepath.Join(o.root, "runs", string(runID))
}

func (o *OutputStore) outputPath(runID types.RunID, iteration int) string {
	return filepath.Join(o.runDir(runID), fmt.Sprintf("iteration-%d.json", iteration))
}

// Put writes out atomically.
func (o *OutputStore) Put(_ context.Context, out *IterationOutput) error {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal iteration output: %w", err)
	}
	return writeFileAtomic(o.outputPath(out.RunID, out.Iteration), data)
}

func (o *OutputStore) Get(_ context.Context, runID types.RunID, iteration int) (*IterationOutput, error) {
	data, err := os.ReadFile(o.outputPath(runID, iteration))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("iteration output not found: %s/%d", runID, iteration)
		}
		return nil, fmt.Errorf("read iteration output: %w", err)
	}
	var out IterationOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal iteration output: %w", err)
	}
	return &out, nil
}

// Excerpt returns up to maxChars runes of the output. When query occurs
// (case-insensitively) the window is centred on the first match and keeps as
// much of the match as fits.
func (o *OutputStore) Excerpt(ctx context.Context, runID types.RunID, iteration int, query string, maxChars int) (string, error) {
	out, err := o.Get(ctx, runID, iteration)
	if err != nil {
		return "", err
	}
	raw := out.Output
	runes := []rune(raw)
	n := len(runes)
	if maxChars <= 0 || maxChars > n {
		maxChars = n
	}

	start := 0
	if query != "" {
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(query))
		if err != nil {
			return "", fmt.Errorf("compile excerpt query: %w", err)
		}
		if loc := re.FindStringIndex(raw); loc != nil {
			ms := utf8.RuneCountInString(raw[:loc[0]])
			me := ms + utf8.RuneCountInString(raw[loc[0]:loc[1]])
			if me-ms >= maxChars {
				start = ms
			} else {
				start = (ms+me)/2 - maxChars/2
				if start > ms {
					start = ms
				}
				if start+maxChars < me {
					start = me - maxChars
				}
			}
		}
	}
	if start > n-maxChars {
		start = n - maxChars
	}
	if start < 0 {
		start = 0
	}
	return string(runes[start : start+maxChars]), nil
}
