package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/scheduler"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRemoveCmd, scheduleEnableCmd, scheduleDisableCmd)

	scheduleAddCmd.Flags().String("name", "", "schedule name (required)")
	scheduleAddCmd.Flags().String("cron", "", "cron expression, e.g. \"0 2 * * *\" (required)")
	scheduleAddCmd.Flags().Int("max-iterations", 0, "iteration budget per run (0 uses the config)")
	scheduleAddCmd.Flags().String("mode", "", "dispatch mode: auto, api or cli")
	_ = scheduleAddCmd.MarkFlagRequired("name")
	_ = scheduleAddCmd.MarkFlagRequired("cron")
}

func scheduleStore() *state.ScheduleStore {
	cfg := loadConfig()
	return state.NewScheduleStore(cfg.SchedulesPath())
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled loop runs (applied on daemon restart)",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a schedule for --target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		expr, _ := cmd.Flags().GetString("cron")
		maxIter, _ := cmd.Flags().GetInt("max-iterations")
		mode, _ := cmd.Flags().GetString("mode")

		if err := scheduler.Validate(expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		cfg := loadConfig()
		if _, _, err := targetDir(cfg); err != nil {
			return err
		}
		sc := &state.Schedule{
			Name:          name,
			Target:        types.TargetID(targetArg),
			Cron:          expr,
			MaxIterations: maxIter,
			Mode:          types.DispatchMode(mode),
			Enabled:       true,
		}
		if err := scheduleStore().Add(sc); err != nil {
			return fmt.Errorf("add schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q added. Run `ralph restart` to apply.\n", name)
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		schedules, err := scheduleStore().List()
		if err != nil {
			return fmt.Errorf("list schedules: %w", err)
		}
		if len(schedules) == 0 {
			fmt.Println("No schedules configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTARGET\tSCHEDULE\tMAX ITER\tENABLED")
		for _, s := range schedules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n", s.Name, s.Target, s.Cron, s.MaxIterations, s.Enabled)
		}
		return w.Flush()
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := scheduleStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q removed.\n", args[0])
		return nil
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := scheduleStore().SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q enabled.\n", args[0])
		return nil
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := scheduleStore().SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q disabled.\n", args[0])
		return nil
	},
}
