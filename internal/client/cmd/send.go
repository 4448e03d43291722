package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/progress"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/spf13/cobra"
)

const progressInterval = 100 * time.Millisecond

var (
	sendTracker string
	sendCode    string
	sendKey     string
	sendPeer    string
	sendSTUN    []string
	sendWait    time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send path/to/file",
	Short: "send a file to a peer",
	Long: `waits for a peer on the same network, or the owner of --code, and
sends it the file. --peer picks one peer when several are connected`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err != nil {
			return err
		}
		log := logger.NewLoggerWithLevel(logLevel)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := node.New(node.Options{
			TrackerURL: sendTracker,
			ICEServers: sendSTUN,
			Observer:   transfer.Throttle(progress.NewBars(nil), progressInterval),
			Logger:     log,
		})
		if err != nil {
			return err
		}
		if err := n.Start(ctx); err != nil {
			return err
		}
		defer n.Close()

		if sendKey != "" {
			if err := n.JoinGroup(ctx, sendKey); err != nil {
				return err
			}
		}
		if sendCode != "" {
			if err := n.Join(ctx, sendCode); err != nil {
				return err
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, sendWait)
		defer cancel()
		target, err := waitForPeer(waitCtx, n, sendPeer)
		if err != nil {
			return err
		}

		report, err := n.SendFile(ctx, target, path)
		if err != nil {
			return err
		}
		if report.Aborted {
			return fmt.Errorf("peer %s went away after %d of %d bytes", target, report.Bytes, report.Total)
		}
		fmt.Printf("Sent %s to %s (%d bytes, %d chunks)\n", report.FileName, target, report.Bytes, report.Chunks)
		return nil
	},
}

// waitForPeer blocks until want (or any peer, when want is empty) has an
// open channel.
func waitForPeer(ctx context.Context, n *node.Node, want string) (string, error) {
	for _, id := range n.Peers() {
		if want == "" || id == want {
			return id, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no peer connected: %w", ctx.Err())
		case <-n.Done():
			return "", fmt.Errorf("tracker connection closed before a peer connected")
		case ev := <-n.Events():
			switch e := ev.(type) {
			case node.PeerConnected:
				if want == "" || e.PeerID == want {
					return e.PeerID, nil
				}
			case node.JoinRejected:
				return "", fmt.Errorf("join rejected: %s", e.Message)
			}
		}
	}
}

func init() {
	sendCmd.Flags().StringVar(&sendTracker, "tracker", trackerURL(), "tracker WebSocket URL (env "+trackerEnv+")")
	sendCmd.Flags().StringVar(&sendKey, "key", "", "discovery group shared with peers on other networks")
	sendCmd.Flags().StringVar(&sendCode, "code", "", "join code of the receiving peer")
	sendCmd.Flags().StringVar(&sendPeer, "peer", "", "peer id to send to")
	sendCmd.Flags().StringSliceVar(&sendSTUN, "stun", nil, "STUN/TURN server URLs (default public STUN servers)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 2*time.Minute, "how long to wait for a peer")
}
