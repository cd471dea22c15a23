package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/prompt"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("project", "", "project name for a new prd.json (defaults to the directory name)")
	initCmd.Flags().Bool("force", false, "overwrite existing instruction files")
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write agent instructions, a skeleton prd.json and progress.txt",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		dir, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		force, _ := cmd.Flags().GetBool("force")

		files := []struct{ name, body string }{
			{cfg.Dispatch.Instructions, prompt.DefaultInstructions},
			{cfg.Dispatch.AmpPrompt, prompt.DefaultAmpPrompt},
		}
		for _, f := range files {
			if f.name == "" || !filepath.IsLocal(f.name) {
				continue
			}
			path := filepath.Join(dir, f.name)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Kept existing %s\n", path)
				continue
			}
			if err := os.WriteFile(path, []byte(f.body), 0644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Printf("Wrote %s\n", path)
		}

		store := state.NewPRDStore(filepath.Join(dir, state.PRDFile))
		if store.Exists() {
			fmt.Printf("Kept existing %s\n", store.Path())
		} else {
			project, _ := cmd.Flags().GetString("project")
			if project == "" {
				project = filepath.Base(dir)
			}
			prd := &types.PRD{
				ProjectName: project,
				BranchName:  "ralph/" + project,
				Description: "Describe the feature here.",
				UserStories: []types.Story{{
					ID:                 "US-001",
					Title:              "First story",
					Description:        "As a user, I want ... so that ...",
					AcceptanceCriteria: []string{"Typecheck passes"},
					Priority:           1,
				}},
			}
			if err := store.Save(cmd.Context(), prd); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", store.Path())
		}

		progress := state.NewProgressLog(dir)
		if err := progress.Ensure(); err != nil {
			return err
		}
		fmt.Printf("Progress log at %s (started %s)\n", progress.Path(), time.Now().Format("2006-01-02"))
		return nil
	},
}
