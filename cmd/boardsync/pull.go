package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull [project-id]...",
	Short: "Refresh the local snapshot from the server",
	Long: `Fetch projects from the server and write them to the snapshot
cache, so later commands and offline sessions start from fresh data.

With no arguments, every visible project is pulled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx := cmd.Context()
		projects, err := c.RefreshProjects(ctx)
		if err != nil {
			return err
		}

		ids := args
		if len(ids) == 0 {
			for _, p := range projects {
				ids = append(ids, p.ID)
			}
		}

		total := 0
		for _, id := range ids {
			if err := c.LoadProject(ctx, id); err != nil {
				return fmt.Errorf("failed to pull project %s: %w", id, err)
			}
			total += len(c.Store().TasksByProject(id))
		}

		if err := c.SaveSnapshot(ctx); err != nil {
			return err
		}
		fmt.Printf("Pulled %d projects (%d tasks)\n", len(ids), total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
