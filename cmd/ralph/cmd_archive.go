package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/ralph/internal/archive"
)

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd)
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive the previous run if the PRD moved to a new branch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		_, dir, err := targetDir(cfg)
		if err != nil {
			return err
		}
		res, err := archive.New(dir).MaybeArchive(cmd.Context())
		if err != nil {
			return err
		}
		switch {
		case res.Archived:
			fmt.Printf("Archived %s to %s\n", res.PreviousBranch, res.Folder)
		case res.CurrentBranch == "":
			fmt.Println("Nothing to archive (no PRD or no branch name).")
		default:
			fmt.Printf("Nothing to archive; branch is %s.\n", res.CurrentBranch)
		}
		return nil
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		_, dir, err := targetDir(cfg)
		if err != nil {
			return err
		}
		names, err := archive.New(dir).List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No archives.")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}
