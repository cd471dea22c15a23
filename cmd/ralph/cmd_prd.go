package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

func init() {
	rootCmd.AddCommand(prdCmd)
	prdCmd.AddCommand(prdShowCmd, prdNextCmd, prdAddCmd, prdPassCmd, prdImportCmd)

	prdShowCmd.Flags().Bool("json", false, "print the raw document")
	prdAddCmd.Flags().String("id", "", "story id, e.g. US-004 (required)")
	prdAddCmd.Flags().String("title", "", "story title (required)")
	prdAddCmd.Flags().String("description", "", "story description")
	prdAddCmd.Flags().StringArray("criterion", nil, "acceptance criterion (repeatable)")
	prdAddCmd.Flags().Int("priority", 1, "lower runs first")
	_ = prdAddCmd.MarkFlagRequired("id")
	_ = prdAddCmd.MarkFlagRequired("title")
	prdPassCmd.Flags().Bool("undo", false, "mark the story as not passing")
}

func prdStore() (*state.PRDStore, error) {
	cfg := loadConfig()
	_, dir, err := targetDir(cfg)
	if err != nil {
		return nil, err
	}
	return state.NewPRDStore(filepath.Join(dir, state.PRDFile)), nil
}

var prdCmd = &cobra.Command{
	Use:   "prd",
	Short: "Inspect and edit the story backlog",
}

var prdShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List the stories in the backlog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := prdStore()
		if err != nil {
			return err
		}
		prd, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		if raw, _ := cmd.Flags().GetBool("json"); raw {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(prd)
		}

		fmt.Printf("%s (%s)\n", prd.ProjectName, prd.BranchName)
		if prd.Description != "" {
			fmt.Println(prd.Description)
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRIORITY\tPASSES\tTITLE")
		for _, s := range prd.UserStories {
			fmt.Fprintf(w, "%s\t%d\t%v\t%s\n", s.ID, s.Priority, s.Passes, s.Title)
		}
		return w.Flush()
	},
}

var prdNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the story the next iteration will work on",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := prdStore()
		if err != nil {
			return err
		}
		story, ok, err := store.NextIncomplete(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("No incomplete stories found. All done!")
			return nil
		}
		fmt.Printf("%s: %s (priority %d)\n", story.ID, story.Title, story.Priority)
		if story.Description != "" {
			fmt.Println(story.Description)
		}
		for _, c := range story.AcceptanceCriteria {
			fmt.Printf("  - %s\n", c)
		}
		return nil
	},
}

var prdAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a story to the backlog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		title, _ := cmd.Flags().GetString("title")
		desc, _ := cmd.Flags().GetString("description")
		criteria, _ := cmd.Flags().GetStringArray("criterion")
		priority, _ := cmd.Flags().GetInt("priority")

		store, err := prdStore()
		if err != nil {
			return err
		}
		if criteria == nil {
			criteria = []string{}
		}
		if _, err := store.AddStory(cmd.Context(), types.Story{
			ID:                 id,
			Title:              title,
			Description:        desc,
			AcceptanceCriteria: criteria,
			Priority:           priority,
		}); err != nil {
			return fmt.Errorf("add story: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Story %s added.\n", id)
		return nil
	},
}

var prdPassCmd = &cobra.Command{
	Use:   "pass <story-id>",
	Short: "Mark a story as passing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		undo, _ := cmd.Flags().GetBool("undo")
		store, err := prdStore()
		if err != nil {
			return err
		}
		if _, err := store.UpdateStory(cmd.Context(), args[0], !undo); err != nil {
			return err
		}
		if undo {
			fmt.Fprintf(os.Stdout, "Story %s reopened.\n", args[0])
		} else {
			fmt.Fprintf(os.Stdout, "Story %s marked passing.\n", args[0])
		}
		return nil
	},
}

var prdImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the backlog with a JSON or YAML document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := prdStore()
		if err != nil {
			return err
		}
		prd, err := store.Ingest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Imported %d stories into %s.\n", len(prd.UserStories), store.Path())
		return nil
	},
}
