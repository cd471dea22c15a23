// internal/state/eventlog.go
package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/ralph/internal/types"
)

// EventsFile is the JSONL event log inside a target directory.
const EventsFile = "ralph_events.jsonl"

// DefaultEventBuffer is the number of recent events kept in memory.
const DefaultEventBuffer = 500

// EventLog is an append-only JSONL log with a bounded in-memory ring of the
// most recent events. Appends are written synchronously; write failures are
// logged and otherwise ignored so the loop keeps running.
type EventLog struct {
	target types.TargetID
	path   string

	mu   sync.Mutex
	ring []types.Event
	head int
	size int
}

// OpenEventLog prepares the log file in dir and starts with an empty ring.
func OpenEventLog(target types.TargetID, dir string, capacity int) (*EventLog, error) {
	if capacity <= 0 {
		capacity = DefaultEventBuffer
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	path := filepath.Join(dir, EventsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create events file: %w", err)
	}
	f.Close()
	return &EventLog{
		target: target,
		path:   path,
		ring:   make([]types.Event, capacity),
	}, nil
}

func (l *EventLog) Path() string { return l.path }

func (l *EventLog) Target() types.TargetID { return l.target }

// Append stamps e, adds it to the ring and appends it to the file.
// Timestamps are taken under the lock so file order is chronological.
func (l *EventLog) Append(e types.Event) types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Timestamp = time.Now()
	if e.Data == nil {
		e.Data = emptyData(e.Type)
	}

	l.ring[l.head] = e
	l.head = (l.head + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}

	if err := l.write(e); err != nil {
		slog.Warn("event log append failed", "target", string(l.target), "path", l.path, "error", err)
	}
	return e
}

func (l *EventLog) write(e types.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func emptyData(t types.EventType) types.EventData {
	switch t {
	case types.EventStoryStart:
		return types.StoryStartData{}
	case types.EventStoryComplete:
		return types.StoryCompleteData{}
	case types.EventToolCall:
		return types.ToolCallData{}
	case types.EventCommit:
		return types.CommitData{}
	case types.EventError:
		return types.ErrorData{}
	case types.EventQualityCheck:
		return types.QualityCheckData{}
	case types.EventProgressUpdate:
		return types.ProgressData{}
	}
	return types.SystemData{}
}

// RecentQuery filters Recent. Zero values match everything.
type RecentQuery struct {
	Limit   int
	Type    types.EventType
	StoryID string
}

// Recent returns buffered events matching q, newest first.
func (l *EventLog) Recent(q RecentQuery) []types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []types.Event{}
	for i := 0; i < l.size; i++ {
		idx := (l.head - 1 - i + len(l.ring)) % len(l.ring)
		e := l.ring[idx]
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.StoryID != "" && e.StoryID != q.StoryID {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// History reads every event from the file in write order, skipping lines
// that do not parse.
func (l *EventLog) History() ([]types.Event, error) {
	return ReadEvents(l.path)
}

// ReadEvents loads a JSONL event file. A missing file yields no events.
func ReadEvents(path string) ([]types.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []types.Event{}, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	events := []types.Event{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e types.Event
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Debug("skipping unparsable event line", "path", path, "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}
	return events, nil
}

// EventLogSet holds one EventLog per target.
type EventLogSet struct {
	capacity int

	mu   sync.Mutex
	logs map[types.TargetID]*EventLog
}

func NewEventLogSet(capacity int) *EventLogSet {
	return &EventLogSet{
		capacity: capacity,
		logs:     make(map[types.TargetID]*EventLog),
	}
}

// Open (re)initialises the log of target in dir with a fresh ring.
func (s *EventLogSet) Open(target types.TargetID, dir string) (*EventLog, error) {
	log, err := OpenEventLog(target, dir, s.capacity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.logs[target] = log
	s.mu.Unlock()
	return log, nil
}

// Get returns the log of target, opening it in dir on first use.
func (s *EventLogSet) Get(target types.TargetID, dir string) (*EventLog, error) {
	s.mu.Lock()
	log, ok := s.logs[target]
	s.mu.Unlock()
	if ok {
		return log, nil
	}
	return s.Open(target, dir)
}

// Lookup returns the log of target if it has been opened.
func (s *EventLogSet) Lookup(target types.TargetID) (*EventLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[target]
	return log, ok
}
