// Package state provides the filesystem-backed stores of a Ralph target:
// the PRD backlog, progress notes, the event log, conversation transcripts,
// the run index, per-iteration output and schedules.
package state

import "github.com/user/ralph/internal/types"

// Compile-time interface compliance checks.
var _ types.StoryReader = (*PRDStore)(nil)
var _ TranscriptSink = (*TranscriptDB)(nil)
