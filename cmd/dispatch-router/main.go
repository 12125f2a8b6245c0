// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/dispatch/lib/clock"
	"github.com/bureau-foundation/dispatch/lib/config"
	"github.com/bureau-foundation/dispatch/lib/process"
	"github.com/bureau-foundation/dispatch/lib/service"
	"github.com/bureau-foundation/dispatch/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		configPath  string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("dispatch-router", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to dispatch.yaml (default: $"+config.EnvConfigPath+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dispatch-router [--config PATH]\n\nFlags:\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("dispatch-router")
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	level, err := service.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		return err
	}
	logger := service.NewLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router, err := newRouter(cfg, clock.Real(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := router.Close(); err != nil {
			logger.Error("closing router", "error", err)
		}
	}()

	background := router.runBackground(ctx)

	if err := os.MkdirAll(filepath.Dir(cfg.Service.SocketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	socketServer := service.NewSocketServer(cfg.Service.SocketPath, logger)
	// Execute handlers run for up to the request timeout, then audit.
	socketServer.HandlerTimeout = cfg.Processor.RequestTimeout + 10*time.Second
	router.registerActions(socketServer)

	serveErrors := make(chan error, 2)
	running := 1
	go func() { serveErrors <- socketServer.Serve(ctx) }()

	if cfg.Service.HTTPAddress != "" {
		httpServer := service.NewHTTPServer(service.HTTPServerConfig{
			Address: cfg.Service.HTTPAddress,
			Handler: router.httpHandler(),
			Logger:  logger,
		})
		running++
		go func() { serveErrors <- httpServer.Serve(ctx) }()
	}

	logger.Info("dispatch router running",
		"version", version.Info(),
		"environment", cfg.Environment,
		"node_id", router.nodeID,
		"socket", cfg.Service.SocketPath,
		"http", cfg.Service.HTTPAddress,
		"mode_enabled", router.modes != nil,
	)

	// The first server to exit, for a signal or a listen failure,
	// stops the rest.
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrors:
		running--
		stop()
	}
	for ; running > 0; running-- {
		if err := <-serveErrors; err != nil && serveErr == nil {
			serveErr = err
		}
	}
	<-background

	logger.Info("dispatch router stopped")
	return serveErr
}
