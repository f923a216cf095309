// main is the entry point of the drover proxy registrar.
// It mirrors the master's server registry and serves it to the routing layer.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/config"
	"github.com/woozymasta/drover/internal/logger"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
	"github.com/woozymasta/drover/internal/proxy"
	"github.com/woozymasta/drover/internal/vars"
)

func main() {
	cfg := config.ParseProxy()

	logger.Setup(cfg.Logger)
	log.Info().Str("version", vars.String()).Msg("Starting drover proxy...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := protocol.NewDispatcher[*network.Session](protocol.NewRegistry())
	connector := &network.Connector{
		Dispatcher: dispatcher,
		Handshake: &protocol.Handshake{
			Identifier: cfg.Connect.Identifier,
			Type:       models.ClientProxy,
			SubPort:    cfg.SubPort,
		},
		Address: cfg.Connect.Master,
		Retry:   cfg.Connect.Retry,
		Timeout: cfg.Connect.Timeout,
	}

	registrar := proxy.New(connector, func(uuid string) {
		log.Debug().Str("player", uuid).Msg("Player permissions refreshed")
	})
	registrar.Register(dispatcher)
	connector.OnDisconnect = registrar.Disconnected

	var httpServer *http.Server
	if cfg.StatusAddress != "" {
		httpServer = &http.Server{
			Addr:              cfg.StatusAddress,
			Handler:           registrar.StatusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Info().Str("address", cfg.StatusAddress).Msg("Status endpoint listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Status endpoint failed")
			}
		}()
	}

	connector.Run(ctx)
	log.Info().Msg("Shutting down proxy...")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status endpoint forced to shutdown")
		}
		cancel()
	}

	log.Info().Msg("Proxy exited")
}
