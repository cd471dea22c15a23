package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change settings in the config file",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, s := range config.Settings(loadConfig()) {
			line := s.Key + "\t" + s.Display()
			if len(s.Choices) > 0 {
				line += "\t(" + strings.Join(s.Choices, "|") + ")"
			}
			fmt.Fprintln(w, line)
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get the effective value of a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, s.Display())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Example: `  ralph config set dispatch.agent codex
  ralph config set max_iterations 25
  ralph config set http.enabled true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(cfgPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		s, err := config.SetValue(cfgPath, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", s.Key, s.Display())
		return nil
	},
}
