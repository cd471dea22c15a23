package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/state"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog progress and the latest run of the target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		target, dir, err := targetDir(cfg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := state.NewPRDStore(filepath.Join(dir, state.PRDFile)).Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Target:\t%s (%s)\n", target, dir)
		if !st.Exists {
			fmt.Fprintln(w, "PRD:\tnone (run `ralph init` or `ralph prd import`)")
		} else {
			fmt.Fprintf(w, "Project:\t%s\n", st.Project)
			fmt.Fprintf(w, "Branch:\t%s\n", st.Branch)
			fmt.Fprintf(w, "Stories:\t%d/%d complete (%.0f%%)\n", st.Completed, st.Total, st.Percentage)
		}

		if _, err := readPID(); err == nil {
			fmt.Fprintln(w, "Daemon:\trunning")
		} else {
			fmt.Fprintln(w, "Daemon:\tnot running")
		}

		run, ok, err := state.NewRunStore(cfg.RunsPath()).Latest(ctx, target)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(w, "Last run:\t%s %s, iteration %d/%d, started %s\n",
				run.ID, run.Status, run.CurrentIteration, run.MaxIterations,
				run.StartedAt.Format("2006-01-02 15:04:05"))
			if run.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", run.Error)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(st.Incomplete) > 0 {
			fmt.Println()
			fmt.Println("Next up:")
			for _, s := range st.Incomplete {
				fmt.Printf("  [%d] %s: %s\n", s.Priority, s.ID, s.Title)
			}
		}
		return nil
	},
}
