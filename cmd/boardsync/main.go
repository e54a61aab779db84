// Command boardsync is a CLI for the board synchronization client.
//
// It keeps a local, offline-friendly replica of collaborative task
// boards: mutations apply instantly to the local copy and reconcile
// with the server in the background, and a snapshot cache lets the
// board render before the first fetch completes.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/boardsync/boardsync/internal/client"
	"github.com/boardsync/boardsync/internal/config"
	syncpkg "github.com/boardsync/boardsync/internal/sync"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "boardsync",
	Short: "Sync client for collaborative task boards",
	Long: `boardsync keeps a local replica of collaborative task boards.

Changes apply to the local copy immediately and sync to the server in
the background; pushes from other users merge in as they arrive. A
local snapshot cache makes the board available instantly on startup,
even before the server responds.

The bearer credential is read from the BOARDSYNC_TOKEN environment
variable or the "token" key in the config file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger = newLogger(cfg.LogFile)
		return nil
	},
}

// newLogger writes to stderr, or to a size-rotated file when
// configured.
func newLogger(path string) *log.Logger {
	if path == "" {
		return log.New(os.Stderr, "[boardsync] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}, "[boardsync] ", log.LstdFlags)
}

// newClient builds the session client from the loaded config.
func newClient(onReject syncpkg.RejectFunc) (*client.Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("no credential: set BOARDSYNC_TOKEN or \"token\" in the config file")
	}
	return client.New(&client.Config{
		Config:   cfg,
		Session:  client.Session{Token: cfg.Token},
		OnReject: onReject,
		Logger:   logger,
	})
}

// printReject reports a rolled-back mutation to the user.
func printReject(m *syncpkg.Mutation, cause error) {
	fmt.Fprintf(os.Stderr, "Warning: %s on %s was rolled back: %v\n", m.Kind, m.EntityID, cause)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./boardsync.yaml or ~/.boardsync/config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
