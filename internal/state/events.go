package state

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/user/ralph/internal/types"
)

func passLabel(passed bool) string {
	if passed {
		return "✓ Passed"
	}
	return "✗ Failed"
}

func (l *EventLog) StoryStart(storyID, title string) types.Event {
	return l.Append(types.Event{
		Type:    types.EventStoryStart,
		Message: fmt.Sprintf("Started: %s - %s", storyID, title),
		StoryID: storyID,
		Data:    types.StoryStartData{StoryTitle: title},
	})
}

func (l *EventLog) StoryComplete(storyID, title string, passed bool, iteration int, files []string) types.Event {
	return l.Append(types.Event{
		Type:    types.EventStoryComplete,
		Message: fmt.Sprintf("Completed: %s - %s [%s]", storyID, title, passLabel(passed)),
		StoryID: storyID,
		Data: types.StoryCompleteData{
			StoryTitle:   title,
			Passed:       passed,
			FilesChanged: nonNil(files),
			Iteration:    iteration,
		},
	})
}

func (l *EventLog) ToolCall(tool, details, storyID string, files []string) types.Event {
	return l.Append(types.Event{
		Type:    types.EventToolCall,
		Message: fmt.Sprintf("Tool: %s - %s", tool, details),
		StoryID: storyID,
		Data:    types.ToolCallData{Tool: tool, Details: details, FilesAffected: nonNil(files)},
	})
}

func (l *EventLog) Commit(message, storyID string, files []string, sha string) types.Event {
	return l.Append(types.Event{
		Type:    types.EventCommit,
		Message: "Commit: " + message,
		StoryID: storyID,
		Data:    types.CommitData{CommitMessage: message, FilesChanged: nonNil(files), CommitSHA: sha},
	})
}

func (l *EventLog) Error(message, details, storyID string) types.Event {
	return l.Append(types.Event{
		Type:    types.EventError,
		Message: "Error: " + message,
		StoryID: storyID,
		Data:    types.ErrorData{ErrorMessage: message, ErrorDetails: details},
	})
}

func (l *EventLog) QualityCheck(checkType string, passed bool, output, storyID string) types.Event {
	return l.Append(types.Event{
		Type:    types.EventQualityCheck,
		Message: fmt.Sprintf("Quality Check (%s): %s", checkType, passLabel(passed)),
		StoryID: storyID,
		Data:    types.QualityCheckData{CheckType: checkType, Passed: passed, Output: output},
	})
}

func (l *EventLog) Progress(message, storyID string, data types.ProgressData) types.Event {
	return l.Append(types.Event{
		Type:    types.EventProgressUpdate,
		Message: message,
		StoryID: storyID,
		Data:    data,
	})
}

func (l *EventLog) System(message string, data types.SystemData) types.Event {
	return l.Append(types.Event{
		Type:    types.EventSystem,
		Message: message,
		Data:    data,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var (
	readPattern   = regexp.MustCompile(`(?i)Reading\s+(?:file:?\s+)?['"]?([^'":\n]+)['"]?`)
	writePattern  = regexp.MustCompile(`(?i)(?:Writing|Creating)\s+(?:file:?\s+)?['"]?([^'":\n]+)['"]?`)
	editPattern   = regexp.MustCompile(`(?i)Editing\s+(?:file:?\s+)?['"]?([^'":\n]+)['"]?`)
	bashPattern   = regexp.MustCompile(`(?i)(?:Running|Executing)\s+(?:command|bash)?:?\s*['"]?([^'":\n]+)['"]?`)
	commitPattern = regexp.MustCompile(`(?i)git\s+commit.*?-m\s+['"]([^'"]+)['"]`)
	storyPattern  = regexp.MustCompile(`(?i)(US-\d+|Story\s+#?\d+)`)
)

const maxErrorMessage = 200

// ParseOutput classifies one line of agent output and logs at most one event
// for it. Rules are tried in order: file read/write/edit, shell command,
// commit, story start, error. Unmatched text logs nothing.
func (l *EventLog) ParseOutput(text, currentStory string) (types.Event, bool) {
	for _, fp := range []struct {
		tool string
		re   *regexp.Regexp
	}{
		{"read", readPattern},
		{"write", writePattern},
		{"edit", editPattern},
	} {
		if m := fp.re.FindStringSubmatch(text); m != nil {
			return l.ToolCall(fp.tool, m[1], currentStory, []string{m[1]}), true
		}
	}

	if m := bashPattern.FindStringSubmatch(text); m != nil {
		return l.ToolCall("bash", strings.TrimSpace(m[1]), currentStory, nil), true
	}

	if m := commitPattern.FindStringSubmatch(text); m != nil {
		return l.Commit(m[1], currentStory, nil, ""), true
	}

	lower := strings.ToLower(text)
	if m := storyPattern.FindStringSubmatch(text); m != nil && strings.Contains(lower, "start") {
		return l.StoryStart(m[1], text), true
	}

	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		msg := text
		if r := []rune(msg); len(r) > maxErrorMessage {
			msg = string(r[:maxErrorMessage])
		}
		return l.Error(msg, text, currentStory), true
	}

	return types.Event{}, false
}
