package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wgproxy/config"
	"wgproxy/relay"
	"wgproxy/tslog"
)

var showVersion bool

func init() {
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
}

const version = "0.1.0"

func main() {
	flag.Parse()

	if showVersion {
		fmt.Println("wgproxy", version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wgproxy: configuration error:", err)
		os.Exit(1)
	}

	logger := (&tslog.Config{Level: cfg.LogLevel}).NewLogger(os.Stderr)

	svc := relay.New(cfg, logger)
	if err := svc.Start(ctx); err != nil {
		logger.Error("Failed to start relay", tslog.Err(err))
		os.Exit(2)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if err := svc.Stop(); err != nil {
		logger.Error("Failed to stop relay cleanly", tslog.Err(err))
		os.Exit(2)
	}
}
