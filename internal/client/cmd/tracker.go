package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/tracker"
	"github.com/spf13/cobra"
)

var (
	trackerAddr     string
	trustProxy      bool
	noAutoDiscovery bool
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "runs the rendezvous tracker",
	Long: `runs the rendezvous tracker. Peers connect over WebSocket at /ws and
the tracker answers health checks at /health`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLoggerWithLevel(logLevel)

		srv, err := tracker.NewServer(tracker.Config{
			Addr:          trackerAddr,
			Logger:        log,
			AutoDiscovery: !noAutoDiscovery,
			TrustProxy:    trustProxy,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = srv.Start(ctx)
		if errors.Is(err, context.Canceled) {
			log.Info("Tracker stopped")
			return nil
		}
		return err
	},
}

// DefaultTrackerAddr is :$PORT, or :3000 without PORT.
func DefaultTrackerAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":3000"
}

func init() {
	trackerCmd.Flags().StringVar(&trackerAddr, "addr", DefaultTrackerAddr(), "listen address")
	trackerCmd.Flags().BoolVar(&trustProxy, "trust-proxy", false, "group peers by the first X-Forwarded-For address")
	trackerCmd.Flags().BoolVar(&noAutoDiscovery, "no-auto-discovery", false, "only pair peers through join codes")
}
