package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/boardsync/boardsync/internal/model"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Create, update, and inspect projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects visible to the credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		projects, err := c.RefreshProjects(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTASKS\tNAME")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
				p.ID, p.Status, p.Priority,
				p.Metadata.CompletedTasks, p.Metadata.TotalTasks, p.Name)
		}
		return w.Flush()
	},
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetString("priority")

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		project := &model.Project{
			Name:        args[0],
			Description: description,
			Priority:    model.Priority(priority),
		}
		if err := c.CreateProject(cmd.Context(), project); err != nil {
			return err
		}
		fmt.Printf("Created project %s\n", project.ID)
		return nil
	},
}

var projectUpdateCmd = &cobra.Command{
	Use:   "update <project-id>",
	Short: "Update project fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch model.ProjectPatch
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			patch.Name = &name
		}
		if cmd.Flags().Changed("description") {
			description, _ := cmd.Flags().GetString("description")
			patch.Description = &description
		}
		if cmd.Flags().Changed("status") {
			raw, _ := cmd.Flags().GetString("status")
			status := model.ProjectStatus(raw)
			patch.Status = &status
		}
		if cmd.Flags().Changed("priority") {
			raw, _ := cmd.Flags().GetString("priority")
			priority := model.Priority(raw)
			patch.Priority = &priority
		}

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if _, err := c.RefreshProjects(cmd.Context()); err != nil {
			return err
		}
		if err := c.UpdateProject(cmd.Context(), args[0], patch); err != nil {
			return err
		}
		fmt.Printf("Updated project %s\n", args[0])
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project and all its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if _, err := c.RefreshProjects(cmd.Context()); err != nil {
			return err
		}
		if err := c.DeleteProject(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted project %s\n", args[0])
		return nil
	},
}

var aiCmd = &cobra.Command{
	Use:   "ai",
	Short: "Trigger AI analysis on a project",
	Long: `Ask the server-side AI collaborator to analyze a project.

Results are advisory and arrive asynchronously as task metadata
through push events; run "boardsync watch" to see them land.`,
}

var aiPrioritizeCmd = &cobra.Command{
	Use:   "prioritize <project-id>",
	Short: "Request AI reprioritization of a project's tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.TriggerAIPrioritize(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Prioritization requested")
		return nil
	},
}

var aiScheduleCmd = &cobra.Command{
	Use:   "schedule <project-id>",
	Short: "Request an AI-generated schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apply, _ := cmd.Flags().GetBool("apply")

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.TriggerAISchedule(cmd.Context(), args[0], apply); err != nil {
			return err
		}
		fmt.Println("Schedule requested")
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().StringP("description", "d", "", "project description")
	projectCreateCmd.Flags().String("priority", "medium", "priority (low, medium, high, urgent)")

	projectUpdateCmd.Flags().String("name", "", "new name")
	projectUpdateCmd.Flags().StringP("description", "d", "", "new description")
	projectUpdateCmd.Flags().String("status", "", "new status (active, on-hold, completed, cancelled)")
	projectUpdateCmd.Flags().String("priority", "", "new priority")

	aiScheduleCmd.Flags().Bool("apply", false, "let the server apply the suggested due dates")

	aiCmd.AddCommand(aiPrioritizeCmd, aiScheduleCmd)
	projectCmd.AddCommand(projectListCmd, projectCreateCmd, projectUpdateCmd, projectDeleteCmd)
	rootCmd.AddCommand(projectCmd, aiCmd)
}
