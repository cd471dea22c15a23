package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsSummaryCmd)
	eventsCmd.Flags().String("type", "", "only events of this type")
	eventsCmd.Flags().String("story", "", "only events for this story id")
	eventsCmd.Flags().Int("limit", 50, "show at most this many of the latest events")
}

func loadHistory() ([]types.Event, error) {
	cfg := loadConfig()
	_, dir, err := targetDir(cfg)
	if err != nil {
		return nil, err
	}
	return state.ReadEvents(filepath.Join(dir, state.EventsFile))
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the target's activity log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		story, _ := cmd.Flags().GetString("story")
		limit, _ := cmd.Flags().GetInt("limit")

		events, err := loadHistory()
		if err != nil {
			return err
		}
		var matched []types.Event
		for _, e := range events {
			if typ != "" && string(e.Type) != typ {
				continue
			}
			if story != "" && e.StoryID != story {
				continue
			}
			matched = append(matched, e)
		}
		if limit > 0 && len(matched) > limit {
			matched = matched[len(matched)-limit:]
		}
		if len(matched) == 0 {
			fmt.Println("No events found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tSTORY\tMESSAGE")
		for _, e := range matched {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, e.StoryID, e.Message)
		}
		return w.Flush()
	},
}

var eventsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Roll up the activity log per story",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := loadHistory()
		if err != nil {
			return err
		}
		sum := state.Summarize(events)

		fmt.Printf("Events: %d  Commits: %d  Errors: %d\n", sum.TotalEvents, sum.TotalCommits, sum.TotalErrors)
		fmt.Printf("Stories completed: %d  In progress: %d\n", sum.StoriesCompleted, sum.StoriesInProgress)
		if sum.LastEventTime != nil {
			fmt.Printf("Last event: %s\n", sum.LastEventTime.Format("2006-01-02 15:04:05"))
		}
		if len(sum.Stories) == 0 {
			return nil
		}

		ids := make([]string, 0, len(sum.Stories))
		for id := range sum.Stories {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STORY\tSTATUS\tEVENTS\tCOMMITS\tERRORS\tTITLE")
		for _, id := range ids {
			s := sum.Stories[id]
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", s.StoryID, s.Status, s.Events, s.Commits, s.Errors, s.Title)
		}
		return w.Flush()
	},
}
