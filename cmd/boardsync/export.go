package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/boardsync/boardsync/internal/model"
)

// boardExport is the document written by the export command.
type boardExport struct {
	Project *model.Project `json:"project" yaml:"project"`
	Tasks   []*model.Task  `json:"tasks" yaml:"tasks"`
}

var exportCmd = &cobra.Command{
	Use:   "export <project-id>",
	Short: "Export a project and its tasks",
	Long: `Export a project and its full task set to stdout or a file.

Examples:
  boardsync export p1 --format yaml
  boardsync export p1 --format json -o board.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		projectID := args[0]
		if err := c.LoadProject(cmd.Context(), projectID); err != nil {
			return err
		}

		doc := boardExport{
			Project: c.Store().Project(projectID),
			Tasks:   c.Store().TasksByProject(projectID),
		}

		var encoded []byte
		switch format {
		case "yaml":
			encoded, err = yaml.Marshal(doc)
		case "json":
			encoded, err = json.MarshalIndent(doc, "", "  ")
		default:
			return fmt.Errorf("unknown format %q (want yaml or json)", format)
		}
		if err != nil {
			return fmt.Errorf("failed to encode export: %w", err)
		}

		if output == "" {
			_, err = os.Stdout.Write(encoded)
			return err
		}
		if err := os.WriteFile(output, encoded, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		fmt.Printf("Exported %d tasks to %s\n", len(doc.Tasks), output)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", "yaml", "output format (yaml or json)")
	exportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
