package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/boardsync/boardsync/internal/duedate"
	"github.com/boardsync/boardsync/internal/model"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, update, and inspect tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.LoadProject(cmd.Context(), projectID); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTITLE\tDEPS")
		for _, t := range c.Store().TasksByProject(projectID) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, t.Priority, t.Title, strings.Join(t.Dependencies, ","))
		}
		return w.Flush()
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task",
	Long: `Create a task in a project.

The due date accepts natural language ("tomorrow", "next friday",
"in 2 weeks") as well as absolute dates (2026-04-01).

Examples:
  boardsync task create "Fix login flow" --project p1 --priority high
  boardsync task create "Write docs" --project p1 --due "next friday"
  boardsync task create "Split API" --project p1 --parent t42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetString("priority")
		due, _ := cmd.Flags().GetString("due")
		assignees, _ := cmd.Flags().GetStringSlice("assignee")
		parent, _ := cmd.Flags().GetString("parent")

		task := &model.Task{
			ProjectID:    projectID,
			ParentTaskID: parent,
			Title:        args[0],
			Description:  description,
			Priority:     model.Priority(priority),
			Assignees:    assignees,
		}
		if due != "" {
			when, err := duedate.NewParser().Parse(due)
			if err != nil {
				return err
			}
			task.DueDate = &when
		}

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.LoadProject(cmd.Context(), projectID); err != nil {
			return err
		}
		if err := c.CreateTask(cmd.Context(), task); err != nil {
			return err
		}
		fmt.Printf("Created task %s\n", task.ID)
		return nil
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Update task fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")

		var patch model.TaskPatch
		if cmd.Flags().Changed("title") {
			title, _ := cmd.Flags().GetString("title")
			patch.Title = &title
		}
		if cmd.Flags().Changed("description") {
			description, _ := cmd.Flags().GetString("description")
			patch.Description = &description
		}
		if cmd.Flags().Changed("priority") {
			raw, _ := cmd.Flags().GetString("priority")
			priority := model.Priority(raw)
			patch.Priority = &priority
		}
		if cmd.Flags().Changed("assignee") {
			assignees, _ := cmd.Flags().GetStringSlice("assignee")
			patch.Assignees = &assignees
		}
		if cmd.Flags().Changed("due") {
			raw, _ := cmd.Flags().GetString("due")
			if raw == "none" {
				patch.ClearDueDate = true
			} else {
				when, err := duedate.NewParser().Parse(raw)
				if err != nil {
					return err
				}
				patch.DueDate = &when
			}
		}
		if patch.IsZero() {
			return fmt.Errorf("nothing to update")
		}

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.LoadProject(cmd.Context(), projectID); err != nil {
			return err
		}
		if err := c.UpdateTask(cmd.Context(), args[0], patch); err != nil {
			return err
		}
		fmt.Printf("Updated task %s\n", args[0])
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id> <status>",
	Short: "Change a task's status",
	Long: `Change a task's status (todo, in-progress, review, done).

Moving to done requires every dependency to be done first; pass
--force to override the gate.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		force, _ := cmd.Flags().GetBool("force")

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.LoadProject(cmd.Context(), projectID); err != nil {
			return err
		}
		if err := c.ChangeStatus(cmd.Context(), args[0], model.TaskStatus(args[1]), force); err != nil {
			return err
		}
		fmt.Printf("Task %s is now %s\n", args[0], args[1])
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task",
	Long: `Delete a task.

Fails if other tasks depend on it, unless --cascade removes those
edges too. Subtasks of a deleted task are promoted to top level.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		cascade, _ := cmd.Flags().GetBool("cascade")

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.LoadProject(cmd.Context(), projectID); err != nil {
			return err
		}
		if err := c.DeleteTask(cmd.Context(), args[0], cascade); err != nil {
			return err
		}
		fmt.Printf("Deleted task %s\n", args[0])
		return nil
	},
}

var taskDepCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage task dependencies",
}

var taskDepAddCmd = &cobra.Command{
	Use:   "add <task-id> <depends-on-id>",
	Short: "Add a dependency edge",
	Long: `Record that the first task depends on the second.

Edges that would create a cycle are rejected locally before any
network traffic.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.LoadProject(cmd.Context(), projectID); err != nil {
			return err
		}
		if err := c.AddDependency(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s now depends on %s\n", args[0], args[1])
		return nil
	},
}

var taskDepRemoveCmd = &cobra.Command{
	Use:   "rm <task-id> <depends-on-id>",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.LoadProject(cmd.Context(), projectID); err != nil {
			return err
		}
		if err := c.RemoveDependency(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s no longer depends on %s\n", args[0], args[1])
		return nil
	},
}

var taskCommentCmd = &cobra.Command{
	Use:   "comment <task-id> <text>",
	Short: "Add a comment to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.LoadProject(cmd.Context(), projectID); err != nil {
			return err
		}
		if err := c.AddComment(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Comment added")
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{
		taskListCmd, taskCreateCmd, taskUpdateCmd, taskStatusCmd,
		taskDeleteCmd, taskDepAddCmd, taskDepRemoveCmd, taskCommentCmd,
	} {
		cmd.Flags().StringP("project", "p", "", "project id (required)")
		_ = cmd.MarkFlagRequired("project")
	}

	taskCreateCmd.Flags().StringP("description", "d", "", "task description")
	taskCreateCmd.Flags().String("priority", "medium", "priority (low, medium, high, urgent)")
	taskCreateCmd.Flags().String("due", "", "due date (natural language or YYYY-MM-DD)")
	taskCreateCmd.Flags().StringSlice("assignee", nil, "assignee member id (repeatable)")
	taskCreateCmd.Flags().String("parent", "", "parent task id (creates a subtask)")

	taskUpdateCmd.Flags().String("title", "", "new title")
	taskUpdateCmd.Flags().StringP("description", "d", "", "new description")
	taskUpdateCmd.Flags().String("priority", "", "new priority")
	taskUpdateCmd.Flags().String("due", "", "new due date, or \"none\" to clear")
	taskUpdateCmd.Flags().StringSlice("assignee", nil, "replacement assignee set")

	taskStatusCmd.Flags().Bool("force", false, "override the dependency gate on done")
	taskDeleteCmd.Flags().Bool("cascade", false, "also remove edges from dependent tasks")

	taskDepCmd.AddCommand(taskDepAddCmd, taskDepRemoveCmd)
	taskCmd.AddCommand(taskListCmd, taskCreateCmd, taskUpdateCmd, taskStatusCmd,
		taskDeleteCmd, taskDepCmd, taskCommentCmd)
	rootCmd.AddCommand(taskCmd)
}
