package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/progress"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	receiveTracker string
	receiveCode    string
	receiveKey     string
	receiveOut     string
	receiveDB      string
	receiveSTUN    []string
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "receive files from peers",
	Long: `prints this peer's join code and saves every incoming file into --out
until interrupted`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLoggerWithLevel(logLevel)

		db, err := store.Open(receiveDB)
		if err != nil {
			return err
		}
		defer store.Close(db)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := node.New(node.Options{
			TrackerURL: receiveTracker,
			ICEServers: receiveSTUN,
			Deliverer:  store.NewInbox(receiveOut, store.NewFileStore(db), log),
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

		fmt.Printf("Join code: %s\n", n.JoinCode())

		if receiveKey != "" {
			if err := n.JoinGroup(ctx, receiveKey); err != nil {
				return err
			}
		}
		if receiveCode != "" {
			if err := n.Join(ctx, receiveCode); err != nil {
				return err
			}
		}

		for {
			select {
			case <-ctx.Done():
				log.Info("Stopping receiver")
				return nil
			case <-n.Done():
				return fmt.Errorf("tracker connection closed")
			case ev := <-n.Events():
				logEvent(log, ev)
			}
		}
	},
}

func logEvent(log *logrus.Logger, ev node.Event) {
	switch e := ev.(type) {
	case node.PeerConnected:
		log.WithField("peer", e.PeerID).Info("Peer connected")
	case node.PeerDisconnected:
		entry := log.WithField("peer", e.PeerID)
		if e.Err != nil {
			entry.WithError(e.Err).Warn("Peer connection failed")
			return
		}
		entry.Info("Peer disconnected")
	case node.JoinRejected:
		log.Warnf("Join rejected: %s", e.Message)
	}
}

func init() {
	receiveCmd.Flags().StringVar(&receiveTracker, "tracker", trackerURL(), "tracker WebSocket URL (env "+trackerEnv+")")
	receiveCmd.Flags().StringVar(&receiveKey, "key", "", "discovery group shared with peers on other networks")
	receiveCmd.Flags().StringVar(&receiveCode, "code", "", "join code of a peer to pair with")
	receiveCmd.Flags().StringVar(&receiveOut, "out", ".", "directory for received files")
	receiveCmd.Flags().StringVar(&receiveDB, "db", defaultDBPath(), "history database path")
	receiveCmd.Flags().StringSliceVar(&receiveSTUN, "stun", nil, "STUN/TURN server URLs (default public STUN servers)")
}
