package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/boardsync/boardsync/internal/config"
)

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>...",
	Short: "Follow projects in real time",
	Long: `Load one or more projects and stay connected, merging pushes from
other users as they arrive and printing notifications.

If the connection drops, the client reconnects with backoff and
refetches the projects in full, since events may have been missed
while offline. The snapshot cache is updated on exit.

When the config file changes while watching, it is reloaded in
place.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(printReject)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := c.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: initial fetch failed, running from cache: %v\n", err)
		}
		for _, projectID := range args {
			if err := c.LoadProject(ctx, projectID); err != nil {
				return err
			}
			fmt.Printf("Watching project %s\n", projectID)
		}

		if err := c.Connect(); err != nil {
			return err
		}

		// Hot-reload the config file while watching, if one is in use.
		if cfgFile != "" {
			watcher, err := config.NewWatcher(cfgFile, cfg.ReloadDebounce, func(next *config.Config, err error) {
				if err != nil {
					return
				}
				cfg = next
				logger.Printf("config reloaded from %s", cfgFile)
			}, logger)
			if err == nil {
				if startErr := watcher.Start(); startErr != nil {
					logger.Printf("config watch unavailable: %v", startErr)
				} else {
					defer func() { _ = watcher.Stop() }()
				}
			}
		}

		fmt.Println("Connected. Press Ctrl+C to stop.")
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
				return nil
			case n := <-c.Notifications():
				fmt.Printf("[%s] %s\n", n.Kind, n.Message)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
