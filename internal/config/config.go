package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Project struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type Config struct {
	DataDir             string    `json:"data_dir"`
	LogLevel            string    `json:"log_level" choices:"debug|info|warn|error"`
	Workspace           string    `json:"workspace"`
	MaxConcurrent       int       `json:"max_concurrent"`
	MaxIterations       int       `json:"max_iterations"`
	IterationDelayMS    int       `json:"iteration_delay_ms"`
	IterationTimeoutSec int       `json:"iteration_timeout_sec"`
	EventBuffer         int       `json:"event_buffer"`
	Projects            []Project `json:"projects,omitempty"`
	Dispatch            struct {
		Mode         string `json:"mode" choices:"auto|api|cli"`
		Agent        string `json:"agent" choices:"claude|amp|codex"`
		Instructions string `json:"instructions"`
		AmpPrompt    string `json:"amp_prompt"`
		ClaudeModel  string `json:"claude_model"`
	} `json:"dispatch"`
	Anthropic struct {
		APIKey           string `json:"api_key" secret:"true"`
		BaseURL          string `json:"base_url"`
		Model            string `json:"model"`
		MaxTokens        int    `json:"max_tokens"`
		MaxContextTokens int    `json:"max_context_tokens"`
	} `json:"anthropic"`
	Codex struct {
		Model           string `json:"model"`
		ReasoningEffort string `json:"reasoning_effort"`
		Sandbox         string `json:"sandbox"`
		ExtraArgs       string `json:"extra_args"`
		PromptFile      string `json:"prompt_file"`
	} `json:"codex"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Telegram struct {
		Token  string `json:"token" secret:"true"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	cfg := &Config{
		DataDir:          filepath.Join(os.Getenv("HOME"), ".ralph"),
		LogLevel:         "info",
		Workspace:        ".",
		MaxConcurrent:    4,
		MaxIterations:    10,
		IterationDelayMS: 2000,
		EventBuffer:      500,
	}
	cfg.Dispatch.Mode = "auto"
	cfg.Dispatch.Agent = "claude"
	cfg.Dispatch.Instructions = "CLAUDE.md"
	cfg.Dispatch.AmpPrompt = "prompt.md"
	cfg.Dispatch.ClaudeModel = "sonnet"
	cfg.Anthropic.BaseURL = "https://api.anthropic.com"
	cfg.Anthropic.Model = "claude-sonnet-4-5-20250929"
	cfg.Anthropic.MaxTokens = 8000
	cfg.Anthropic.MaxContextTokens = 200000
	cfg.Codex.Model = "gpt-5.2-codex"
	cfg.Codex.ReasoningEffort = "high"
	cfg.Codex.Sandbox = "workspace-write"
	cfg.HTTP.Listen = ":8000"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		cfg.Anthropic.APIKey = apiKey
	}
	if baseURL := os.Getenv("ANTHROPIC_BASE_URL"); baseURL != "" {
		cfg.Anthropic.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if ws := os.Getenv("RALPH_WORKSPACE"); ws != "" {
		cfg.Workspace = ws
	}
	if v := os.Getenv("CODEX_MODEL"); v != "" {
		cfg.Codex.Model = v
	}
	if v := os.Getenv("CODEX_REASONING_EFFORT"); v != "" {
		cfg.Codex.ReasoningEffort = v
	}
	if v := os.Getenv("CODEX_SANDBOX"); v != "" {
		cfg.Codex.Sandbox = v
	}
	if v := os.Getenv("CODEX_EXTRA_ARGS"); v != "" {
		cfg.Codex.ExtraArgs = v
	}
	if v := os.Getenv("CODEX_PROMPT_FILE"); v != "" {
		cfg.Codex.PromptFile = v
	}

	return cfg, nil
}

// IterationDelay is the pause between loop iterations.
func (c *Config) IterationDelay() time.Duration {
	return time.Duration(c.IterationDelayMS) * time.Millisecond
}

// IterationTimeout bounds a single agent dispatch. Zero means no bound.
func (c *Config) IterationTimeout() time.Duration {
	return time.Duration(c.IterationTimeoutSec) * time.Second
}

// ProjectPath resolves a project id to its directory. The global target maps
// to the workspace.
func (c *Config) ProjectPath(id string) (string, bool) {
	if id == "" || id == "global" {
		return c.Workspace, true
	}
	for _, p := range c.Projects {
		if p.ID == id {
			return p.Path, true
		}
	}
	return "", false
}

// Paths of the files kept under DataDir.
func (c *Config) RunsPath() string        { return filepath.Join(c.DataDir, "runs.json") }
func (c *Config) SchedulesPath() string   { return filepath.Join(c.DataDir, "schedules.json") }
func (c *Config) TranscriptsPath() string { return filepath.Join(c.DataDir, "transcripts.db") }
func (c *Config) PIDPath() string         { return filepath.Join(c.DataDir, "ralph.pid") }

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
