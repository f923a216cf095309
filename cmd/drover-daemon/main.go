// main is the entry point of the drover daemon.
// It connects to the master and supervises the game servers of this host.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/config"
	"github.com/woozymasta/drover/internal/daemon"
	"github.com/woozymasta/drover/internal/fake"
	"github.com/woozymasta/drover/internal/logger"
	"github.com/woozymasta/drover/internal/maintenance"
	"github.com/woozymasta/drover/internal/metrics"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
	"github.com/woozymasta/drover/internal/vars"
)

func main() {
	cfg := config.ParseDaemon()

	logger.Setup(cfg.Logger)

	// template generation for local testing
	if cfg.Process.FakePattern != "" {
		dir := filepath.Join(cfg.Process.PatternsDir, cfg.Process.FakePattern)
		if err := fake.WriteTemplate(dir, cfg.Process.StartFile, fake.Script{ReadyDelay: time.Second}); err != nil {
			log.Fatal().Err(err).Str("path", dir).Msg("Failed to write fake template")
		}
		log.Info().Str("path", dir).Msg("Fake template written")
		return
	}

	log.Info().Str("version", vars.String()).Msg("Starting drover daemon...")

	for _, dir := range []string{cfg.Process.ServersDir, cfg.Process.PatternsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("path", dir).Msg("Failed to create directory")
		}
	}

	// workspaces of a previous run are never reused
	if _, err := maintenance.SweepWorkspaces(cfg.Process.ServersDir, cfg.Process.Workers); err != nil {
		log.Fatal().Err(err).Msg("Failed to sweep stale workspaces")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := protocol.NewDispatcher[*network.Session](protocol.NewRegistry())
	connector := &network.Connector{
		Dispatcher: dispatcher,
		Handshake: &protocol.Handshake{
			Identifier: cfg.Connect.Identifier,
			Type:       models.ClientDaemon,
		},
		Address: cfg.Connect.Master,
		Retry:   cfg.Connect.Retry,
		Timeout: cfg.Connect.Timeout,
	}

	manager := daemon.NewManager(daemon.Options{
		ServersDir:   cfg.Process.ServersDir,
		PatternsDir:  cfg.Process.PatternsDir,
		StartFile:    cfg.Process.StartFile,
		ReadyTimeout: cfg.Process.ReadyWait,
	}, connector)
	if err := manager.RefreshPatterns(); err != nil {
		log.Fatal().Err(err).Msg("Failed to read pattern templates")
	}
	manager.Register(dispatcher)
	connector.OnConnect = func(*network.Session) { manager.Announce() }

	go manager.Run(ctx)

	var httpServer *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		httpServer = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Info().Str("address", cfg.MetricsAddress).Msg("Metrics listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// the connection outlives ctx so OFFLINE states reach the master on shutdown
	connCtx, closeConn := context.WithCancel(context.Background())
	connectorDone := make(chan struct{})
	go func() {
		defer close(connectorDone)
		connector.Run(connCtx)
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down daemon...")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Process.StopWait)
	manager.StopAll(stopCtx)
	cancel()

	closeConn()
	<-connectorDone

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server forced to shutdown")
		}
		cancel()
	}

	log.Info().Msg("Daemon exited")
}
