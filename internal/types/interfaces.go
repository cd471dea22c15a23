// internal/types/interfaces.go
package types

import "context"

// Notifier receives loop notifications. Delivery is best-effort: implementations
// must not block the loop for long and never report failures back to it.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// StoryReader is the read side of the story store used by the loop and dispatchers.
type StoryReader interface {
	Load(ctx context.Context) (*PRD, error)
}

// TokenCounter estimates the token size of a text.
type TokenCounter interface {
	CountTokens(text string) int
}
