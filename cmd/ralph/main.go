package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/config"
	"github.com/user/ralph/internal/types"
)

var (
	cfgPath   string
	targetArg string
)

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Run an AI coding agent against a story backlog until every story passes",
	Long: `Ralph repeatedly picks the most urgent unfinished story from prd.json,
hands it to a coding agent (claude, amp, codex or the Anthropic API) and
stops once every story passes or the iteration budget runs out.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", filepath.Join(os.Getenv("HOME"), ".ralph", "config.json"), "config file path")
	rootCmd.PersistentFlags().StringVar(&targetArg, "target", string(types.GlobalTarget), "project id to operate on")
}

// exitError carries a process exit code without printing anything further.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// targetDir resolves --target against the configured projects.
func targetDir(cfg *config.Config) (types.TargetID, string, error) {
	dir, ok := cfg.ProjectPath(targetArg)
	if !ok {
		return "", "", fmt.Errorf("unknown target %q (add it to projects in %s)", targetArg, cfgPath)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	t := types.TargetID(targetArg)
	if t == "" {
		t = types.GlobalTarget
	}
	return t, abs, nil
}
