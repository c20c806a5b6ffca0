package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmproxy/llmproxy/pkg/backend"
	"github.com/lmproxy/llmproxy/pkg/config"
	"github.com/lmproxy/llmproxy/pkg/proxy"
	"github.com/lmproxy/llmproxy/pkg/reaper"
	"github.com/lmproxy/llmproxy/pkg/registry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "llmproxy",
		Short:        "Reverse proxy for locally-spawned LLM inference backends",
		Long:         "llmproxy lazily spawns model inference backends on first request and reverse-proxies traffic to them, killing them again after an idle period.",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve <config.toml>",
		Short: "Load a config file and start the proxy",
		Args:  cobra.ExactArgs(1),
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		return fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logrus.New()
	entry := log.WithField("component", "llmproxy")

	sup := backend.New(&http.Client{}, entry.WithField("component", "backend"))
	idleKeepAlive := time.Duration(cfg.Proxy.KeepAliveSeconds) * time.Second
	reqKeepAlive := time.Duration(cfg.Proxy.RequestKeepAliveSeconds) * time.Second

	reg := registry.New(sup, cfg.Models, idleKeepAlive, entry.WithField("component", "registry"))
	handler := proxy.NewHandler(reg, reqKeepAlive, entry.WithField("component", "proxy"))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler.Routes(),
	}

	reapCtx, stopReaper := context.WithCancel(cmd.Context())
	defer stopReaper()

	r := reaper.New(entry.WithField("component", "reaper"))
	go r.RunRegistry(reapCtx, reg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		entry.WithField("addr", addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			stopReaper()
			return fmt.Errorf("serving: %w", err)
		}
	case sig := <-sigCh:
		entry.WithField("signal", sig).Info("received shutdown signal")
	}

	// Stop accepting connections and let in-flight handlers finish, then
	// stop the reaper. Children the registry still tracks are left running
	// for the OS to reap rather than walking the registry and killing them
	// here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Error("HTTP server shutdown error")
	}

	stopReaper()
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
