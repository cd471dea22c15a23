package dispatch

import (
	"fmt"

	"github.com/mattn/go-shellwords"

	"github.com/user/ralph/internal/config"
)

// Backend describes how to invoke one agent CLI.
type Backend struct {
	Name    string
	Command string
	Args    []string
	// Stdin names the instruction document piped to the agent; empty
	// means the agent gets no stdin.
	Stdin string
	// DirFlag, when set, is inserted before the target directory.
	DirFlag string
	// Trailing arguments appended after the directory flag.
	Trailing []string
}

// Agent names accepted by BackendFor.
const (
	AgentClaude = "claude"
	AgentAmp    = "amp"
	AgentCodex  = "codex"
)

// BackendFor returns the invocation for agent.
func BackendFor(agent string, cfg *config.Config) (Backend, error) {
	switch agent {
	case AgentClaude, "":
		model := cfg.Dispatch.ClaudeModel
		if model == "" {
			model = "sonnet"
		}
		return Backend{
			Name:    AgentClaude,
			Command: "claude",
			Args:    []string{"--model", model, "--dangerously-skip-permissions", "--print"},
			Stdin:   cfg.Dispatch.Instructions,
		}, nil

	case AgentAmp:
		return Backend{
			Name:    AgentAmp,
			Command: "amp",
			Args:    []string{"--dangerously-allow-all"},
			Stdin:   cfg.Dispatch.AmpPrompt,
		}, nil

	case AgentCodex:
		// Quotes and escapes are honoured; $VARS and backticks are passed through.
		extra, err := shellwords.Parse(cfg.Codex.ExtraArgs)
		if err != nil {
			return Backend{}, configError("codex extra args: %v", err)
		}
		next := "@ralph-next"
		if cfg.Codex.PromptFile != "" {
			next = "@" + cfg.Codex.PromptFile
		}
		return Backend{
			Name:    AgentCodex,
			Command: "codex",
			Args: []string{
				"exec",
				"-m", cfg.Codex.Model,
				"--config", fmt.Sprintf("model_reasoning_effort=%q", cfg.Codex.ReasoningEffort),
				"--sandbox", cfg.Codex.Sandbox,
				"--dangerously-bypass-approvals-and-sandbox",
			},
			DirFlag:  "--cd",
			Trailing: append(extra, next),
		}, nil
	}
	return Backend{}, configError("unknown agent %q (want amp, claude or codex)", agent)
}

// Argv returns the full argument list for a run in dir.
func (b Backend) Argv(dir string) []string {
	argv := append([]string{}, b.Args...)
	if b.DirFlag != "" {
		argv = append(argv, b.DirFlag, dir)
	}
	return append(argv, b.Trailing...)
}
