package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediacache/proxy/internal/api"
	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/downloader"
	"github.com/mediacache/proxy/internal/infra/logger"
	"github.com/mediacache/proxy/internal/manager"
	"github.com/mediacache/proxy/internal/queue"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:0", "loopback address to listen on")

	return cmd
}

func runServe(addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dl := downloader.New(cfg, log)
	q := queue.New(cfg, dl, log)
	go q.Start(ctx)

	mgr, err := manager.New(cfg, log, q)
	if err != nil {
		return fmt.Errorf("init manager: %w", err)
	}
	defer mgr.Close()

	go mgr.RunAutoCleanup(ctx, 5*time.Minute)

	server := api.New(cfg, log, mgr, q)

	listenAddr := addr
	if cfg.Port != 0 {
		listenAddr = fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}

	log.Info("mediacacheproxy listening on %s, cache root %s", listenAddr, cfg.Cache.Root)
	return server.Start(ctx, listenAddr)
}
