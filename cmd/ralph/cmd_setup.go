package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Ralph Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Workspace = ask(scanner, "Workspace directory", cfg.Workspace)
		cfg.Dispatch.Mode = ask(scanner, "Dispatch mode (auto, api, cli)", cfg.Dispatch.Mode)
		cfg.Dispatch.Agent = ask(scanner, "Agent CLI (claude, amp, codex)", cfg.Dispatch.Agent)
		cfg.Anthropic.APIKey = ask(scanner, "Anthropic API key (optional)", cfg.Anthropic.APIKey)
		cfg.Anthropic.Model = ask(scanner, "Anthropic model", cfg.Anthropic.Model)

		maxIter := ask(scanner, "Default max iterations", strconv.Itoa(cfg.MaxIterations))
		if n, err := strconv.Atoi(maxIter); err == nil && n > 0 {
			cfg.MaxIterations = n
		}

		cfg.Telegram.Token = ask(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if enabled := ask(scanner, "Enable HTTP API (y/n)", yesNo(cfg.HTTP.Enabled)); enabled != "" {
			cfg.HTTP.Enabled = strings.HasPrefix(strings.ToLower(enabled), "y")
		}
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = ask(scanner, "HTTP listen address", cfg.HTTP.Listen)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}

// ask shows label with its default and returns the trimmed input, or the
// default when the input is empty.
func ask(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
