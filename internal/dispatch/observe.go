package dispatch

import (
	"context"
	"regexp"
	"sync"

	"github.com/user/ralph/internal/types"
)

// EventParser records structured events for an output line.
type EventParser interface {
	ParseOutput(text, currentStory string) (types.Event, bool)
}

var (
	linePatterns = []struct {
		kind string
		re   *regexp.Regexp
	}{
		{"file_read", regexp.MustCompile(`Reading file: (.+)`)},
		{"file_write", regexp.MustCompile(`Writing file: (.+)`)},
		{"file_edit", regexp.MustCompile(`Editing file: (.+)`)},
		{"bash_command", regexp.MustCompile(`Running command: (.+)`)},
		{"task_complete", regexp.MustCompile(`✓ (.+)`)},
		{"task_start", regexp.MustCompile(`→ (.+)`)},
	}
	storyRef = regexp.MustCompile(`(?i)(US-\d+|Story\s+#?\d+)`)
)

// Classify returns the kind of activity a line reports and its detail.
func Classify(line string) (kind, detail string, ok bool) {
	for _, p := range linePatterns {
		if m := p.re.FindStringSubmatch(line); m != nil {
			return p.kind, m[1], true
		}
	}
	return "", "", false
}

// Observer turns streaming agent output into events and tool_call
// notifications while tracking which story the agent is talking about.
type Observer struct {
	target    types.TargetID
	iteration int
	notifier  types.Notifier
	events    EventParser

	mu    sync.Mutex
	story string
}

// NewObserver starts tracking at storyID, the story the loop dispatched.
func NewObserver(target types.TargetID, iteration int, storyID string, notifier types.Notifier, events EventParser) *Observer {
	return &Observer{
		target:    target,
		iteration: iteration,
		notifier:  notifier,
		events:    events,
		story:     storyID,
	}
}

// Line handles one trimmed, non-empty output line.
func (o *Observer) Line(ctx context.Context, line string) {
	o.mu.Lock()
	current := o.story
	o.mu.Unlock()

	if o.events != nil {
		if ev, ok := o.events.ParseOutput(line, current); ok && ev.Type == types.EventCommit && o.notifier != nil {
			p := types.CommitPayload{Message: ev.Message, StoryID: ev.StoryID}
			if d, ok := ev.Data.(types.CommitData); ok {
				p.Message = d.CommitMessage
				p.CommitHash = d.CommitSHA
			}
			o.notifier.Notify(ctx, types.NewNotification(o.target, types.NotifyGitCommit, o.iteration, p))
		}
	}

	if m := storyRef.FindStringSubmatch(line); m != nil {
		o.mu.Lock()
		o.story = m[1]
		o.mu.Unlock()
	}

	if kind, detail, ok := Classify(line); ok && o.notifier != nil {
		o.notifier.Notify(ctx, types.NewNotification(o.target, types.NotifyToolCall, o.iteration,
			types.ToolCallPayload{ToolName: kind, Parameters: map[string]string{"detail": detail}}))
	}
}

// CurrentStory is the last story id seen in the output.
func (o *Observer) CurrentStory() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.story
}
