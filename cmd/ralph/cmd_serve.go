package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/loop"
	"github.com/user/ralph/internal/notify"
	"github.com/user/ralph/internal/scheduler"
	"github.com/user/ralph/internal/server"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/telegram"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ralph daemon (HTTP API, Telegram and schedules)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const shutdownGrace = 30 * time.Second

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	fanout := notify.NewFanout()
	hub := notify.NewHub()
	fanout.Register("websocket", hub)

	opts := []loop.Option{loop.WithNotifier(fanout), loop.WithPRDWatch(true)}
	transcripts, err := state.OpenTranscriptDB(cfg.TranscriptsPath())
	if err != nil {
		return fmt.Errorf("open transcripts: %w", err)
	}
	defer transcripts.Close()
	opts = append(opts, loop.WithTranscriptSink(transcripts))
	if counter := tokenCounter(cfg); counter != nil {
		opts = append(opts, loop.WithTokenCounter(counter))
	}
	ctrl := loop.FromConfig(cfg, opts...)
	defer shutdown(ctrl, shutdownGrace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("ralph started",
		"data_dir", cfg.DataDir,
		"workspace", cfg.Workspace,
		"projects", len(cfg.Projects),
		"max_concurrent", cfg.MaxConcurrent,
		"dispatch_mode", cfg.Dispatch.Mode,
		"agent", cfg.Dispatch.Agent,
		"pid_file", pidPath,
	)

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, ctrl, cfg.Telegram.ChatID)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		fanout.Register("telegram", adapter)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	sched := scheduler.New(state.NewScheduleStore(cfg.SchedulesPath()), ctrl)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	if cfg.HTTP.Enabled {
		srv := server.New(ctrl, server.WithHub(hub), server.WithTranscripts(transcripts))
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server error", "error", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			httpServer.Shutdown(sctx)
		}()
	} else {
		slog.Warn("http server disabled", "hint", "ralph config set http.enabled true")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting", "active_runs", len(ctrl.Active()))
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Runs finish their current iteration before the new process takes over.
			shutdown(ctrl, shutdownGrace)
			sched.Stop()
			transcripts.Close()
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		slog.Info("shutting down", "signal", sig, "active_runs", len(ctrl.Active()))
		return nil
	}
}
