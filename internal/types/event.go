// internal/types/event.go
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies an Event Log record.
type EventType string

const (
	EventStoryStart     EventType = "story_start"
	EventStoryComplete  EventType = "story_complete"
	EventToolCall       EventType = "tool_call"
	EventCommit         EventType = "commit"
	EventError          EventType = "error"
	EventQualityCheck   EventType = "quality_check"
	EventProgressUpdate EventType = "progress_update"
	EventSystem         EventType = "system"
)

// EventData is the per-type payload of an Event. Each concrete type belongs
// to exactly one EventType.
type EventData interface {
	EventType() EventType
}

type StoryStartData struct {
	StoryTitle string `json:"story_title"`
}

type StoryCompleteData struct {
	StoryTitle   string   `json:"story_title"`
	Passed       bool     `json:"passed"`
	FilesChanged []string `json:"files_changed"`
	Iteration    int      `json:"iteration,omitempty"`
}

type ToolCallData struct {
	Tool          string   `json:"tool"`
	Details       string   `json:"details"`
	FilesAffected []string `json:"files_affected"`
}

type CommitData struct {
	CommitMessage string   `json:"commit_message"`
	FilesChanged  []string `json:"files_changed"`
	CommitSHA     string   `json:"commit_sha,omitempty"`
}

type ErrorData struct {
	ErrorMessage string `json:"error_message"`
	ErrorDetails string `json:"error_details,omitempty"`
}

type QualityCheckData struct {
	CheckType string `json:"check_type"`
	Passed    bool   `json:"passed"`
	Output    string `json:"output,omitempty"`
}

type ProgressData struct {
	Iteration int               `json:"iteration,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type SystemData struct {
	RunID         RunID     `json:"run_id,omitempty"`
	Status        RunStatus `json:"status,omitempty"`
	Iteration     int       `json:"iteration,omitempty"`
	MaxIterations int       `json:"max_iterations,omitempty"`
	Path          string    `json:"path,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
}

func (StoryStartData) EventType() EventType    { return EventStoryStart }
func (StoryCompleteData) EventType() EventType { return EventStoryComplete }
func (ToolCallData) EventType() EventType      { return EventToolCall }
func (CommitData) EventType() EventType        { return EventCommit }
func (ErrorData) EventType() EventType         { return EventError }
func (QualityCheckData) EventType() EventType  { return EventQualityCheck }
func (ProgressData) EventType() EventType      { return EventProgressUpdate }
func (SystemData) EventType() EventType        { return EventSystem }

// Event is one Event Log record. On disk it is a single JSON line:
// {timestamp, event_type, message, story_id, data}.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Message   string
	StoryID   string
	Data      EventData
}

type eventWire struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"event_type"`
	Message   string          `json:"message"`
	StoryID   *string         `json:"story_id"`
	Data      json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := eventWire{
		Timestamp: e.Timestamp,
		Type:      e.Type,
		Message:   e.Message,
		Data:      json.RawMessage("{}"),
	}
	if e.StoryID != "" {
		id := e.StoryID
		w.StoryID = &id
	}
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		w.Data = data
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return fmt.Errorf("event missing event_type")
	}
	e.Timestamp = w.Timestamp
	e.Type = w.Type
	e.Message = w.Message
	e.StoryID = ""
	if w.StoryID != nil {
		e.StoryID = *w.StoryID
	}
	data, err := decodeEventData(w.Type, w.Data)
	if err != nil {
		return err
	}
	e.Data = data
	return nil
}

func decodeEventData(t EventType, raw json.RawMessage) (EventData, error) {
	var data EventData
	switch t {
	case EventStoryStart:
		data = &StoryStartData{}
	case EventStoryComplete:
		data = &StoryCompleteData{}
	case EventToolCall:
		data = &ToolCallData{}
	case EventCommit:
		data = &CommitData{}
	case EventError:
		data = &ErrorData{}
	case EventQualityCheck:
		data = &QualityCheckData{}
	case EventProgressUpdate:
		data = &ProgressData{}
	case EventSystem:
		data = &SystemData{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, fmt.Errorf("unmarshal %s data: %w", t, err)
		}
	}
	// Store values, not pointers, so callers can type-switch on the value types.
	switch d := data.(type) {
	case *StoryStartData:
		return *d, nil
	case *StoryCompleteData:
		return *d, nil
	case *ToolCallData:
		return *d, nil
	case *CommitData:
		return *d, nil
	case *ErrorData:
		return *d, nil
	case *QualityCheckData:
		return *d, nil
	case *ProgressData:
		return *d, nil
	case *SystemData:
		return *d, nil
	}
	return data, nil
}
