// main is the entry point of the drover master.
// It accepts daemon and proxy connections, schedules server instances and serves the admin API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/auth"
	"github.com/woozymasta/drover/internal/cache"
	"github.com/woozymasta/drover/internal/config"
	"github.com/woozymasta/drover/internal/game"
	"github.com/woozymasta/drover/internal/geoip"
	"github.com/woozymasta/drover/internal/logger"
	"github.com/woozymasta/drover/internal/master"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/patterns"
	"github.com/woozymasta/drover/internal/protocol"
	"github.com/woozymasta/drover/internal/server"
	"github.com/woozymasta/drover/internal/storage"
	"github.com/woozymasta/drover/internal/vars"
)

func main() {
	cfg := config.ParseMaster()

	logger.Setup(cfg.Logger)
	log.Info().Str("version", vars.String()).Msg("Starting drover master...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// GeoIP, only needed for country filtering
	var geo *geoip.Resolver
	if len(cfg.Whitelist.Countries) > 0 {
		geo = openGeoIP(ctx, cfg.GeoIP)
		if geo != nil {
			defer func() {
				if err := geo.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing GeoIP database")
				}
			}()
		}
	}

	whitelist, err := newWhitelist(cfg.Whitelist, geo)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid whitelist")
	}

	// Database
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	// Protocol
	packets := protocol.NewRegistry()
	dispatcher := protocol.NewDispatcher[*network.Session](packets)
	sessions := network.NewRegistry()

	orch := master.New(master.NewSessionFleet(sessions), store, master.Options{
		Autostart:        cfg.Orch.Autostart,
		AutostartEnabled: !cfg.Orch.NoAutostart,
		BasePort:         cfg.Orch.BasePort,
		StartTimeout:     cfg.Orch.StartTimeout,
		RequestTimeout:   cfg.Listen.RequestTimeout,
		AutoSave:         cfg.Orch.AutoSave,
	})
	defer orch.Close()

	if err := orch.LoadPatterns(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load patterns")
	}
	if cfg.Orch.PatternsFile != "" {
		seedPatterns(ctx, orch, cfg.Orch.PatternsFile)
	}

	playerCache, closeCache := newPlayerCache(cfg.Cache)
	defer closeCache()
	players := master.NewPlayers(playerCache, store, orch)

	handlers := master.NewHandlers(orch, players, packets)
	handlers.Register(dispatcher)

	authenticator := auth.New(sessions, whitelist)
	authenticator.Connected.Subscribe(handlers.ClientConnected)

	listener := network.NewListener(sessions, dispatcher, authenticator, network.ListenerOptions{
		AttemptLimit:  cfg.Listen.AttemptCount,
		AttemptWindow: cfg.Listen.AttemptWindow,
	})
	listener.Disconnected.Subscribe(handlers.ClientDisconnected)

	ln, err := net.Listen("tcp", cfg.Listen.Address)
	if err != nil {
		log.Fatal().Err(err).Str("address", cfg.Listen.Address).Msg("Failed to listen")
	}

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		log.Info().Str("address", cfg.Listen.Address).Msg("Protocol listener started")
		if err := listener.Serve(ctx, ln); err != nil {
			log.Error().Err(err).Msg("Protocol listener failed")
			stop()
		}
	}()

	prober := game.NewProber(cfg.A2S)
	if cfg.Orch.ProbeInterval > 0 {
		go orch.RunProber(ctx, prober, cfg.Orch.ProbeInterval)
	}

	// Admin API
	var (
		httpServer *http.Server
		api        *server.Server
	)
	if cfg.API.Address != "" {
		api = server.New(server.Deps{
			Orchestrator: orch,
			Clients:      sessions,
			Players:      players,
			Prober:       prober,
		}, cfg.API)
		api.StartWorkers()

		httpServer = &http.Server{
			Addr:         cfg.API.Address,
			Handler:      api.Run(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: cfg.Orch.StartTimeout + 5*time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info().Str("address", cfg.API.Address).Msg("Admin API listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Admin API failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down master...")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Admin API forced to shutdown")
		}
		cancel()
		api.StopWorkers()
	}

	<-serveDone
	log.Info().Msg("Master exited")
}

// openGeoIP makes sure the database exists and keeps it fresh in the background.
func openGeoIP(ctx context.Context, cfg config.GeoIP) *geoip.Resolver {
	log.Info().Msg("Checking GeoIP database...")
	if _, err := geoip.EnsureDB(ctx, cfg.Path, cfg.URL, cfg.Interval); err != nil {
		log.Error().Err(err).Msg("Failed to download GeoIP database")
	}

	geo, err := geoip.Open(cfg.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open GeoIP database, country filter disabled")
		return nil
	}

	go geoip.Refresh(ctx, geo, cfg.URL, cfg.Interval)
	return geo
}

func newWhitelist(cfg config.Whitelist, geo *geoip.Resolver) (*auth.Whitelist, error) {
	countries := cfg.Countries
	if geo == nil {
		countries = nil
	}

	// keep the interface nil rather than holding a nil *Resolver
	var resolver auth.CountryResolver
	if geo != nil {
		resolver = geo
	}

	return auth.NewWhitelist(cfg.Addresses, countries, resolver)
}

// seedPatterns applies the seed file once and again on every change.
func seedPatterns(ctx context.Context, orch *master.Orchestrator, path string) {
	list, err := patterns.Load(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to load patterns file")
	} else {
		log.Info().Int("count", orch.SyncPatterns(list)).Str("path", path).Msg("Patterns file applied")
	}

	err = patterns.Watch(ctx, path, time.Second, func(list []models.ServerPattern) {
		log.Info().Int("count", orch.SyncPatterns(list)).Str("path", path).Msg("Patterns file reloaded")
	})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to watch patterns file")
	}
}

// newPlayerCache returns a Redis cache when an address is configured and an
// in-memory cache otherwise.
func newPlayerCache(cfg config.Cache) (cache.Cache[models.Player], func()) {
	if cfg.Address == "" {
		return cache.NewMemory[models.Player](cfg.TTL), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Fatal().Err(err).Str("address", cfg.Address).Msg("Failed to connect to Redis")
	}
	log.Info().Str("address", cfg.Address).Msg("Player cache backed by Redis")

	c := cache.NewRedis(client, cfg.Prefix+":players", cfg.TTL,
		func(p models.Player) ([]byte, error) { return json.Marshal(p) },
		func(data []byte) (models.Player, error) {
			var p models.Player
			err := json.Unmarshal(data, &p)
			return p, err
		},
	)

	return c, func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Redis client")
		}
	}
}
