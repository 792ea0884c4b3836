package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cissieab/framerelay/internal/platform/config"
	"github.com/cissieab/framerelay/internal/platform/logger"
	"github.com/cissieab/framerelay/internal/platform/metrics"
	"github.com/cissieab/framerelay/internal/relay"
)

// main is the entry point for the frame relay. It loads configuration,
// connects to the vision backend in the background and serves viewers until
// SIGINT or SIGTERM.
func main() {
	_ = config.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.New("info", "json").Error("config error", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Error("listen failed", "addr", cfg.Addr(), "error", err)
		os.Exit(1)
	}

	if err := relay.New(cfg, log, met).Run(ctx, ln); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
