package dispatch

import (
	"fmt"
	"os/exec"

	"github.com/user/ralph/internal/config"
	"github.com/user/ralph/internal/prompt"
	"github.com/user/ralph/internal/types"
	"github.com/user/ralph/pkg/llm"
	"github.com/user/ralph/pkg/llm/anthropic"
)

// Options select a strategy. Zero values fall back to the configuration.
type Options struct {
	Mode  types.DispatchMode
	Agent string
}

// New builds the dispatcher for cfg. In auto mode the API is used when a key
// is configured and the agent CLI otherwise.
func New(cfg *config.Config, opts Options) (Dispatcher, error) {
	mode := opts.Mode
	if mode == "" {
		mode = types.DispatchMode(cfg.Dispatch.Mode)
	}
	agent := opts.Agent
	if agent == "" {
		agent = cfg.Dispatch.Agent
	}
	hasKey := cfg.Anthropic.APIKey != ""

	var d Dispatcher
	switch mode {
	case types.DispatchAPI:
		api, err := newAPI(cfg, hasKey)
		if err != nil {
			return nil, err
		}
		d = api
	case types.DispatchCLI:
		sub, err := newSubprocess(cfg, agent)
		if err != nil {
			return nil, err
		}
		d = sub
	case types.DispatchAuto, "":
		if hasKey {
			api, err := newAPI(cfg, hasKey)
			if err != nil {
				return nil, err
			}
			d = api
			break
		}
		sub, err := newSubprocess(cfg, agent)
		if err != nil {
			return nil, err
		}
		if _, err := exec.LookPath(sub.backend.Command); err != nil {
			return nil, configError("no API key configured and %s CLI not found on PATH", sub.backend.Command)
		}
		d = sub
	default:
		return nil, configError("unknown dispatch mode %q (want auto, api or cli)", mode)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func newAPI(cfg *config.Config, hasKey bool) (*API, error) {
	engine, err := prompt.New(cfg.Anthropic.Model, cfg.Anthropic.MaxContextTokens, cfg.Anthropic.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("create prompt engine: %w", err)
	}
	provider := anthropic.New(&llm.Config{
		BaseURL:   cfg.Anthropic.BaseURL,
		APIKey:    cfg.Anthropic.APIKey,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
	})
	return NewAPI(provider, engine, cfg.Dispatch.Instructions, hasKey), nil
}

func newSubprocess(cfg *config.Config, agent string) (*Subprocess, error) {
	backend, err := BackendFor(agent, cfg)
	if err != nil {
		return nil, err
	}
	var opts []SubprocessOption
	if t := cfg.IterationTimeout(); t > 0 {
		opts = append(opts, WithTimeout(t))
	}
	return NewSubprocess(backend, opts...), nil
}
