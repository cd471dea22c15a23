// Package prompt loads the agent instruction document and fits it into the
// model's token budget.
package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/ralph/pkg/llm"
)

// ErrTooLarge is returned when the instruction prompt does not fit the budget.
var ErrTooLarge = errors.New("prompt exceeds token budget")

// Engine counts tokens and assembles budgeted prompts for the API strategy.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	system    *template.Template
}

// New creates an engine for a model with a context window of maxTokens,
// keeping reserve tokens free for the response. Unknown models use
// cl100k_base, which is close enough for budgeting Claude prompts.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	tmpl, err := template.New("system").Parse(DefaultSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		system:    tmpl,
	}, nil
}

// CountTokens returns the token count of text.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Budget is the number of input tokens available to a prompt.
func (e *Engine) Budget() int {
	return e.maxTokens - e.reserve
}

// Data fills the system prompt.
type Data struct {
	Target     string
	Dir        string
	Iteration  int
	StoryID    string
	StoryTitle string
	Time       string
}

// Build returns the messages for one API iteration: a short system prompt
// naming the story, followed by the instruction document as the user turn.
// It fails with ErrTooLarge when the result exceeds the budget.
func (e *Engine) Build(instructions string, data Data) ([]llm.Message, int, error) {
	if data.Time == "" {
		data.Time = time.Now().Format(time.RFC3339)
	}
	var sys bytes.Buffer
	if err := e.system.Execute(&sys, data); err != nil {
		return nil, 0, fmt.Errorf("render system prompt: %w", err)
	}

	messages := []llm.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: instructions},
	}
	used := e.CountTokens(messages[0].Content) + e.CountTokens(instructions)
	if used > e.Budget() {
		return nil, used, fmt.Errorf("%w: %d tokens, budget %d", ErrTooLarge, used, e.Budget())
	}
	return messages, used, nil
}
