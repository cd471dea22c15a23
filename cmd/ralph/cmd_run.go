package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/config"
	"github.com/user/ralph/internal/dispatch"
	"github.com/user/ralph/internal/loop"
	"github.com/user/ralph/internal/notify"
	"github.com/user/ralph/internal/prompt"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("agent", "", "agent CLI to run: claude, amp or codex")
	runCmd.Flags().String("tool", "", "deprecated alias for --agent")
	_ = runCmd.Flags().MarkDeprecated("tool", "use --agent instead")
	runCmd.Flags().String("mode", "", "dispatch mode: auto, api or cli")
	runCmd.Flags().String("prd", "", "copy this PRD (JSON or YAML) into the target before starting")
	runCmd.Flags().BoolP("verbose", "v", false, "echo agent output and tool activity")
}

var runCmd = &cobra.Command{
	Use:   "run [max_iterations]",
	Short: "Run the loop in the foreground until the backlog is done",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLoop,
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	maxIterations := cfg.MaxIterations
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("max_iterations must be a positive integer, got %q", args[0])
		}
		maxIterations = n
	}
	agent, _ := cmd.Flags().GetString("agent")
	if agent == "" {
		agent, _ = cmd.Flags().GetString("tool")
	}
	mode, _ := cmd.Flags().GetString("mode")
	prdSrc, _ := cmd.Flags().GetString("prd")
	verbose, _ := cmd.Flags().GetBool("verbose")

	target, dir, err := targetDir(cfg)
	if err != nil {
		return err
	}
	if prdSrc != "" {
		store := state.NewPRDStore(filepath.Join(dir, state.PRDFile))
		prd, err := store.Ingest(cmd.Context(), prdSrc)
		if err != nil {
			return err
		}
		slog.Info("prd imported", "source", prdSrc, "stories", len(prd.UserStories))
	}

	out := newConsole(verbose)
	fanout := notify.NewFanout()
	fanout.Register("console", out)

	opts := []loop.Option{
		loop.WithNotifier(fanout),
		loop.WithStopOnSentinel(true),
		loop.WithPRDWatch(true),
	}
	closeTranscripts := wireTranscripts(cfg, &opts)
	defer closeTranscripts()
	if counter := tokenCounter(cfg); counter != nil {
		opts = append(opts, loop.WithTokenCounter(counter))
	}
	ctrl := loop.FromConfig(cfg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := ctrl.Start(ctx, target, loop.StartOptions{
		MaxIterations: maxIterations,
		Mode:          types.DispatchMode(mode),
		Agent:         agent,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrConfig) {
			return fmt.Errorf("%w\nSet ANTHROPIC_API_KEY or install the agent CLI", err)
		}
		return err
	}
	view := ctrl.Status(ctx, target)
	backend := "agent"
	if view.Run != nil {
		backend = string(view.Run.Mode)
	}
	out.banner(fmt.Sprintf("Starting Ralph - Max iterations: %d (%s)", maxIterations, backend))

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		stopping := false
		for {
			select {
			case <-h.Done():
				return
			case <-sigChan:
				if stopping {
					slog.Warn("second interrupt, cancelling the running agent")
					shutdown(ctrl, 0)
					return
				}
				stopping = true
				fmt.Fprintln(os.Stderr, "\nStopping after the current iteration (interrupt again to abort)...")
				ctrl.Stop(target)
			}
		}
	}()

	run, err := h.Wait(ctx)
	if err != nil {
		return err
	}

	fmt.Println()
	switch run.Status {
	case types.RunStatusCompleted:
		fmt.Println(out.render(successStyle, "Ralph completed all tasks!"))
		fmt.Printf("Completed at iteration %d of %d\n", run.CurrentIteration, run.MaxIterations)
		return nil
	case types.RunStatusExhausted:
		fmt.Println(out.render(failureStyle, fmt.Sprintf("Ralph reached max iterations (%d) without completing all tasks.", run.MaxIterations)))
		fmt.Printf("Check %s for status.\n", filepath.Join(dir, state.ProgressFile))
	case types.RunStatusStopped:
		fmt.Println("Ralph loop stopped by user")
	default:
		fmt.Println(out.render(failureStyle, "Ralph stopped with an error: "+run.Error))
	}
	return exitError{code: 1}
}

// wireTranscripts opens the transcript archive when it can. Failure only
// disables archiving.
func wireTranscripts(cfg *config.Config, opts *[]loop.Option) func() {
	db, err := state.OpenTranscriptDB(cfg.TranscriptsPath())
	if err != nil {
		slog.Warn("transcript archive disabled", "path", cfg.TranscriptsPath(), "error", err)
		return func() {}
	}
	*opts = append(*opts, loop.WithTranscriptSink(db))
	return func() { db.Close() }
}

func tokenCounter(cfg *config.Config) types.TokenCounter {
	engine, err := prompt.New(cfg.Anthropic.Model, cfg.Anthropic.MaxContextTokens, cfg.Anthropic.MaxTokens)
	if err != nil {
		slog.Debug("token counting disabled", "error", err)
		return nil
	}
	return engine
}

// shutdown stops every run, cancelling in-flight agents after grace.
func shutdown(ctrl *loop.Controller, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := ctrl.Shutdown(ctx); err != nil {
		slog.Warn("runs cancelled during shutdown", "error", err)
	}
}
