// internal/state/prd.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/user/ralph/internal/retry"
	"github.com/user/ralph/internal/types"
)

var (
	ErrNoPRD         = errors.New("No PRD exists")
	ErrStoryNotFound = errors.New("story not found")
	// ErrPRDLocked is returned by guards that refuse a write while a run
	// depends on the backlog.
	ErrPRDLocked = errors.New("prd is locked while ralph is running")
)

// Guard vets a write against the document it replaces. before is nil when no
// PRD exists and after is nil for a delete. Guards run under the store lock.
type Guard func(before, after *types.PRD) error

// KeepPasses refuses writes that reopen or drop a passing story.
func KeepPasses(before, after *types.PRD) error {
	if before == nil {
		return nil
	}
	for _, b := range before.UserStories {
		if !b.Passes {
			continue
		}
		var a types.Story
		ok := false
		if after != nil {
			a, ok = after.Story(b.ID)
		}
		if !ok || !a.Passes {
			return fmt.Errorf("%w: cannot reopen story %s", ErrPRDLocked, b.ID)
		}
	}
	return nil
}

// Frozen refuses every write.
func Frozen(_, _ *types.PRD) error { return ErrPRDLocked }

func checkGuards(guards []Guard, before, after *types.PRD) error {
	for _, g := range guards {
		if g == nil {
			continue
		}
		if err := g(before, after); err != nil {
			return err
		}
	}
	return nil
}

func clonePRD(prd *types.PRD) *types.PRD {
	if prd == nil {
		return nil
	}
	out := *prd
	out.UserStories = make([]types.Story, len(prd.UserStories))
	for i, st := range prd.UserStories {
		st.AcceptanceCriteria = append([]string(nil), st.AcceptanceCriteria...)
		out.UserStories[i] = st
	}
	return &out
}

type storyNotFound string

func (e storyNotFound) Error() string        { return fmt.Sprintf("Story %s not found", string(e)) }
func (e storyNotFound) Is(target error) bool { return target == ErrStoryNotFound }

// PRDFile is the backlog file name inside a target directory.
const PRDFile = "prd.json"

// PRDStore reads and writes the prd.json backlog of one target.
// In-process writers serialise on mu and replace the file atomically; the
// agent may still rewrite the file underneath us, so reads retry parse errors.
type PRDStore struct {
	path  string
	mu    sync.Mutex
	retry *retry.Policy
}

// NewPRDStore creates a store for the PRD at path.
func NewPRDStore(path string) *PRDStore {
	return &PRDStore{path: path, retry: retry.Fast()}
}

func (s *PRDStore) Path() string { return s.path }

// Dir is the directory holding the PRD, which is also the agent's working directory.
func (s *PRDStore) Dir() string { return filepath.Dir(s.path) }

func (s *PRDStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the PRD. It returns ErrNoPRD when the file does not exist.
func (s *PRDStore) Load(ctx context.Context) (*types.PRD, error) {
	var prd *types.PRD
	err := s.retry.Execute(ctx, func() error {
		data, err := os.ReadFile(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return retry.Permanent(ErrNoPRD)
			}
			return fmt.Errorf("read prd: %w", err)
		}
		var p types.PRD
		if err := json.Unmarshal(data, &p); err != nil {
			return retry.Transient(fmt.Errorf("parse prd: %w", err))
		}
		prd = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prd, nil
}

// Save replaces the PRD file atomically.
func (s *PRDStore) Save(_ context.Context, prd *types.PRD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(prd)
}

func (s *PRDStore) write(prd *types.PRD) error {
	if prd.UserStories == nil {
		prd.UserStories = []types.Story{}
	}
	data, err := json.MarshalIndent(prd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prd: %w", err)
	}
	data = append(data, '\n')
	return writeFileAtomic(s.path, data)
}

// mutate applies fn to the current PRD under the write lock, vets the result
// with guards and saves it.
func (s *PRDStore) mutate(ctx context.Context, fn func(*types.PRD) error, guards ...Guard) (*types.PRD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prd, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	before := clonePRD(prd)
	if err := fn(prd); err != nil {
		return nil, err
	}
	if err := checkGuards(guards, before, prd); err != nil {
		return nil, err
	}
	if err := s.write(prd); err != nil {
		return nil, err
	}
	return prd, nil
}

// Create writes a new PRD with no stories, replacing any existing one.
func (s *PRDStore) Create(ctx context.Context, c types.PRDCreate, guards ...Guard) (*types.PRD, error) {
	prd := &types.PRD{
		ProjectName: c.ProjectName,
		BranchName:  c.BranchName,
		Description: c.Description,
		UserStories: []types.Story{},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(guards) > 0 {
		before, err := s.current(ctx)
		if err != nil {
			return nil, err
		}
		if err := checkGuards(guards, before, prd); err != nil {
			return nil, err
		}
	}
	if err := s.write(prd); err != nil {
		return nil, err
	}
	return prd, nil
}

// current loads the PRD, reporting a missing file as nil.
func (s *PRDStore) current(ctx context.Context) (*types.PRD, error) {
	prd, err := s.Load(ctx)
	if errors.Is(err, ErrNoPRD) {
		return nil, nil
	}
	return prd, err
}

func (s *PRDStore) Update(ctx context.Context, u types.PRDUpdate, guards ...Guard) (*types.PRD, error) {
	return s.mutate(ctx, func(prd *types.PRD) error {
		if u.ProjectName != nil {
			prd.ProjectName = *u.ProjectName
		}
		if u.BranchName != nil {
			prd.BranchName = *u.BranchName
		}
		if u.Description != nil {
			prd.Description = *u.Description
		}
		if u.UserStories != nil {
			prd.UserStories = u.UserStories
		}
		return nil
	}, guards...)
}

func (s *PRDStore) AddStory(ctx context.Context, story types.Story) (*types.PRD, error) {
	if strings.TrimSpace(story.ID) == "" {
		return nil, fmt.Errorf("story id is required")
	}
	return s.mutate(ctx, func(prd *types.PRD) error {
		if _, ok := prd.Story(story.ID); ok {
			return fmt.Errorf("story %s already exists", story.ID)
		}
		prd.UserStories = append(prd.UserStories, story)
		return nil
	})
}

// UpdateStory sets the passes flag of a story.
func (s *PRDStore) UpdateStory(ctx context.Context, id string, passes bool, guards ...Guard) (*types.PRD, error) {
	return s.mutate(ctx, func(prd *types.PRD) error {
		for i := range prd.UserStories {
			if prd.UserStories[i].ID == id {
				prd.UserStories[i].Passes = passes
				return nil
			}
		}
		return storyNotFound(id)
	}, guards...)
}

// MarkComplete sets passes=true. Marking a passing story again is a no-op.
func (s *PRDStore) MarkComplete(ctx context.Context, id string) error {
	prd, err := s.Load(ctx)
	if err != nil {
		return err
	}
	story, ok := prd.Story(id)
	if !ok {
		return storyNotFound(id)
	}
	if story.Passes {
		return nil
	}
	_, err = s.UpdateStory(ctx, id, true)
	return err
}

// Delete removes the PRD file. Deleting a missing PRD is not an error.
func (s *PRDStore) Delete(ctx context.Context, guards ...Guard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(guards) > 0 {
		before, err := s.current(ctx)
		if err != nil {
			return err
		}
		if err := checkGuards(guards, before, nil); err != nil {
			return err
		}
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete prd: %w", err)
	}
	return nil
}

// NextIncomplete returns the most urgent story with passes=false.
func (s *PRDStore) NextIncomplete(ctx context.Context) (types.Story, bool, error) {
	prd, err := s.Load(ctx)
	if err != nil {
		return types.Story{}, false, err
	}
	story, ok := prd.NextIncomplete()
	return story, ok, nil
}

// AllComplete is false when there is no PRD or it has no stories.
func (s *PRDStore) AllComplete(ctx context.Context) (bool, error) {
	prd, err := s.Load(ctx)
	if errors.Is(err, ErrNoPRD) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return prd.AllComplete(), nil
}

// Status summarises backlog progress. A missing PRD yields Exists=false.
func (s *PRDStore) Status(ctx context.Context) (*types.PRDStatus, error) {
	prd, err := s.Load(ctx)
	if errors.Is(err, ErrNoPRD) {
		return &types.PRDStatus{Incomplete: []types.StoryBrief{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return BuildStatus(prd), nil
}

// BuildStatus computes the rollup for prd. Only the first five incomplete
// stories (by priority) are listed.
func BuildStatus(prd *types.PRD) *types.PRDStatus {
	st := &types.PRDStatus{
		Exists:     true,
		Project:    prd.ProjectName,
		Branch:     prd.BranchName,
		Total:      len(prd.UserStories),
		Incomplete: []types.StoryBrief{},
	}
	var incomplete []types.Story
	for _, story := range prd.UserStories {
		if story.Passes {
			st.Completed++
		} else {
			incomplete = append(incomplete, story)
		}
	}
	st.Remaining = st.Total - st.Completed
	st.AllComplete = prd.AllComplete()
	if st.Total > 0 {
		st.Percentage = float64(st.Completed) / float64(st.Total) * 100
	}
	sort.SliceStable(incomplete, func(i, j int) bool {
		return incomplete[i].Priority < incomplete[j].Priority
	})
	for i, story := range incomplete {
		if i == 5 {
			break
		}
		st.Incomplete = append(st.Incomplete, types.StoryBrief{ID: story.ID, Title: story.Title, Priority: story.Priority})
	}
	return st
}

// Ingest copies a PRD from src into the store. YAML (.yaml/.yml) sources are
// converted to the JSON document shape.
func (s *PRDStore) Ingest(ctx context.Context, src string) (*types.PRD, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read prd source: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(src))
	if ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml prd: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("convert yaml prd: %w", err)
		}
	}

	var prd types.PRD
	if err := json.Unmarshal(data, &prd); err != nil {
		return nil, fmt.Errorf("parse prd source: %w", err)
	}
	if err := s.Save(ctx, &prd); err != nil {
		return nil, err
	}
	return &prd, nil
}

// writeFileAtomic writes data to a temp file next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
