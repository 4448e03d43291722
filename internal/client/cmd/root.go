package cmd

import (
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const (
	defaultTrackerURL = "ws://localhost:3000/ws"
	trackerEnv        = "PEERDROP_TRACKER"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   `peer-drop`,
	Short: `peer to peer file drop over WebRTC`,
	Long: `peer-drop sends files directly between peers. A small tracker introduces
peers on the same network, or peers sharing a join code, and relays the
WebRTC handshake. File bytes never pass through the tracker.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(trackerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(historyCmd)
}

func trackerURL() string {
	if url := os.Getenv(trackerEnv); url != "" {
		return url
	}
	return defaultTrackerURL
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "peer-drop.sqlite3"
	}
	return filepath.Join(home, ".peer-drop", "history.sqlite3")
}
