// internal/state/schedule.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/user/ralph/internal/types"
)

// Schedule starts a loop for a target on a cron expression.
type Schedule struct {
	Name          string             `json:"name"`
	Target        types.TargetID     `json:"target"`
	Cron          string             `json:"schedule"`
	MaxIterations int                `json:"max_iterations,omitempty"`
	Mode          types.DispatchMode `json:"mode,omitempty"`
	Enabled       bool               `json:"enabled"`
}

// ScheduleStore is a JSON-file-backed list of schedules.
type ScheduleStore struct {
	path string
	mu   sync.RWMutex
}

func NewScheduleStore(path string) *ScheduleStore {
	return &ScheduleStore{path: path}
}

func (s *ScheduleStore) Path() string {
	return s.path
}

// List returns all schedules. A missing file yields an empty list.
func (s *ScheduleStore) List() ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules, err := s.load()
	if err != nil {
		return nil, err
	}
	if schedules == nil {
		return []*Schedule{}, nil
	}
	return schedules, nil
}

func (s *ScheduleStore) Get(name string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, sc := range schedules {
		if sc.Name == name {
			return sc, nil
		}
	}
	return nil, fmt.Errorf("schedule not found: %s", name)
}

// Add appends sc. Names are unique.
func (s *ScheduleStore) Add(sc *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range schedules {
		if existing.Name == sc.Name {
			return fmt.Errorf("schedule already exists: %s", sc.Name)
		}
	}
	if sc.Target == "" {
		sc.Target = types.GlobalTarget
	}
	return s.save(append(schedules, sc))
}

func (s *ScheduleStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load()
	if err != nil {
		return err
	}
	for i, sc := range schedules {
		if sc.Name == name {
			schedules = append(schedules[:i], schedules[i+1:]...)
			return s.save(schedules)
		}
	}
	return fmt.Errorf("schedule not found: %s", name)
}

func (s *ScheduleStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load()
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		if sc.Name == name {
			sc.Enabled = enabled
			return s.save(schedules)
		}
	}
	return fmt.Errorf("schedule not found: %s", name)
}

func (s *ScheduleStore) load() ([]*Schedule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read schedules file: %w", err)
	}
	var schedules []*Schedule
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, fmt.Errorf("unmarshal schedules: %w", err)
	}
	return schedules, nil
}

func (s *ScheduleStore) save(schedules []*Schedule) error {
	data, err := json.MarshalIndent(schedules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}
	return writeFileAtomic(s.path, data)
}
