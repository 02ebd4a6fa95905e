package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/deejross/coremq/internal/bridge"
	"github.com/deejross/coremq/internal/config"
	"github.com/deejross/coremq/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	logger.Info("CoreWS starting up")

	br := bridge.New(cfg.WS, cfg.CoreMQ, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := br.Start(ctx); err != nil {
		logger.Fatal("bridge start failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down CoreWS")
	br.Stop()
	logger.Info("CoreWS is now shut down")
}
