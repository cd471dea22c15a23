// internal/state/run.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/user/ralph/internal/types"
)

// RunStore is the runs.json index of every loop run.
type RunStore struct {
	path string
	mu   sync.RWMutex
}

func NewRunStore(path string) *RunStore {
	return &RunStore{path: path}
}

func (s *RunStore) loadIndex() (map[types.RunID]*types.Run, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.RunID]*types.Run), nil
		}
		return nil, fmt.Errorf("read run index: %w", err)
	}

	var runs []*types.Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("unmarshal run index: %w", err)
	}
	index := make(map[types.RunID]*types.Run, len(runs))
	for _, r := range runs {
		index[r.ID] = r
	}
	return index, nil
}

func (s *RunStore) saveIndex(index map[types.RunID]*types.Run) error {
	data, err := json.MarshalIndent(sortRuns(index), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run index: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func sortRuns(index map[types.RunID]*types.Run) []*types.Run {
	runs := make([]*types.Run, 0, len(index))
	for _, r := range index {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs
}

// Put inserts or replaces run.
func (s *RunStore) Put(_ context.Context, run types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	index[run.ID] = &run
	return s.saveIndex(index)
}

func (s *RunStore) Get(_ context.Context, id types.RunID) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	r, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return r, nil
}

// List returns runs oldest first, optionally only those of target.
func (s *RunStore) List(_ context.Context, target types.TargetID) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	runs := []*types.Run{}
	for _, r := range sortRuns(index) {
		if target == "" || r.TargetID == target {
			runs = append(runs, r)
		}
	}
	return runs, nil
}

// Latest returns the most recently started run of target.
func (s *RunStore) Latest(ctx context.Context, target types.TargetID) (*types.Run, bool, error) {
	runs, err := s.List(ctx, target)
	if err != nil {
		return nil, false, err
	}
	if len(runs) == 0 {
		return nil, false, nil
	}
	return runs[len(runs)-1], true, nil
}
