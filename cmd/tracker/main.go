package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/tracker"
)

func main() {
	log := logger.NewLogger()

	srv, err := tracker.NewServer(tracker.Config{
		Addr:          listenAddr(),
		Logger:        log,
		AutoDiscovery: true,
		TrustProxy:    os.Getenv("TRUST_PROXY") != "",
	})
	if err != nil {
		log.Fatal(err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func listenAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":3000"
}
