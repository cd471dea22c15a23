package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/user/ralph/internal/prompt"
	"github.com/user/ralph/internal/retry"
	"github.com/user/ralph/pkg/llm"
)

// API sends the instruction document to a hosted model and streams the reply.
type API struct {
	provider     llm.Provider
	engine       *prompt.Engine
	loader       *prompt.Loader
	instructions string
	hasKey       bool
	retry        *retry.Policy
}

// APIOption configures an API dispatcher.
type APIOption func(*API)

// WithRetryPolicy sets the backoff used while opening the stream.
func WithRetryPolicy(p *retry.Policy) APIOption {
	return func(a *API) { a.retry = p }
}

// WithInstructionLoader sets how instruction documents are read.
func WithInstructionLoader(l *prompt.Loader) APIOption {
	return func(a *API) { a.loader = l }
}

// NewAPI creates an API dispatcher. hasKey reports whether credentials are
// configured; without them Validate fails.
func NewAPI(provider llm.Provider, engine *prompt.Engine, instructions string, hasKey bool, opts ...APIOption) *API {
	a := &API{
		provider:     provider,
		engine:       engine,
		loader:       prompt.NewLoader(),
		instructions: instructions,
		hasKey:       hasKey,
		retry:        retry.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Name() string { return "api" }

func (a *API) Validate() error {
	if !a.hasKey {
		return configError("no Anthropic API key configured (set ANTHROPIC_API_KEY or anthropic.api_key)")
	}
	if a.instructions == "" {
		return configError("dispatch.instructions is empty")
	}
	return nil
}

func (a *API) Dispatch(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	res.Backend = a.Name()
	defer func() { res.Duration = time.Since(start) }()

	text, err := a.loader.Load(ctx, req.Dir, a.instructions)
	if err != nil {
		res.Error = fmt.Sprintf("load instructions: %v", err)
		return res
	}
	res.Prompt = text

	messages, _, err := a.engine.Build(text, prompt.Data{
		Target:     string(req.Target),
		Dir:        req.Dir,
		Iteration:  req.Iteration,
		StoryID:    req.Story.ID,
		StoryTitle: req.Story.Title,
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}

	// Only opening the stream is retried; once text arrives a failure is final.
	var stream <-chan llm.Delta
	err = a.retry.Execute(ctx, func() error {
		var err error
		stream, err = a.provider.Stream(ctx, messages)
		return err
	})
	if err != nil {
		res.Error = fmt.Sprintf("API request failed: %v", err)
		return res
	}

	var out strings.Builder
	lines := &lineSplitter{emit: func(line string) {
		if req.OnLine != nil {
			req.OnLine(ctx, line)
		}
	}}
	for d := range stream {
		if d.Err != nil {
			res.Error = fmt.Sprintf("API stream error: %v", d.Err)
			for range stream {
			}
			break
		}
		out.WriteString(d.Content)
		lines.Write(d.Content)
	}
	lines.Close()
	res.Output = out.String()

	conclude(ctx, req, &res)
	return res
}
