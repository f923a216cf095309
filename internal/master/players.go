package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/woozymasta/drover/internal/cache"
	"github.com/woozymasta/drover/internal/logger"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/protocol"
)

var (
	// ErrUnknownPlayer is returned for players that never joined.
	ErrUnknownPlayer = errors.New("unknown player")

	// ErrUnknownServer is returned when a player moves to a server that is not online.
	ErrUnknownServer = errors.New("unknown server")

	// ErrInvalidPlayer is returned for player ids that are not UUIDs.
	ErrInvalidPlayer = errors.New("invalid player id")
)

// PlayerStore persists players.
type PlayerStore interface {
	GetPlayer(uuid string) (*models.Player, error)
	UpsertPlayer(p models.Player) error
	TouchPlayer(uuid string, seen time.Time) error
}

// ServerLookup reports whether a server name belongs to an online instance.
type ServerLookup interface {
	HasServer(name string) bool
}

// Players tracks connected players in a cache backed by the store.
type Players struct {
	cache   cache.Cache[models.Player]
	store   PlayerStore
	servers ServerLookup
	now     func() time.Time
	log     zerolog.Logger
}

// NewPlayers creates the player service. store may be nil.
func NewPlayers(c cache.Cache[models.Player], store PlayerStore, servers ServerLookup) *Players {
	return &Players{
		cache:   c,
		store:   store,
		servers: servers,
		now:     time.Now,
		log:     logger.Component("players"),
	}
}

// Apply handles one PlayerState report from a proxy.
func (p *Players) Apply(ctx context.Context, st *protocol.PlayerState) error {
	id, err := uuid.Parse(st.Player)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPlayer, st.Player)
	}
	key := id.String()

	switch st.State {
	case protocol.PlayerJoin:
		return p.join(ctx, key, st)
	case protocol.PlayerServer:
		return p.moveTo(ctx, key, st.Meta)
	case protocol.PlayerQuit:
		return p.quit(ctx, key)
	default:
		return fmt.Errorf("%w: action %s", ErrInvalidPlayer, st.State)
	}
}

// Online returns the cached players.
func (p *Players) Online(ctx context.Context) ([]models.Player, error) {
	return p.cache.List(ctx)
}

func (p *Players) join(ctx context.Context, key string, st *protocol.PlayerState) error {
	player, found, err := p.lookup(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		player = models.Player{UUID: key}
	}

	if st.Name != "" {
		player.Name = st.Name
	}
	if st.Group != "" {
		player.Group = st.Group
	}
	player.CurrentServer = ""
	player.LastSeen = p.now()

	if p.store != nil {
		if err := p.store.UpsertPlayer(player); err != nil {
			return fmt.Errorf("store player %s: %w", key, err)
		}
	}
	if err := p.cache.Put(ctx, key, player); err != nil {
		return fmt.Errorf("cache player %s: %w", key, err)
	}

	p.log.Debug().Str("player", key).Str("name", player.Name).Bool("new", !found).Msg("Player joined")
	return nil
}

func (p *Players) moveTo(ctx context.Context, key, server string) error {
	player, found, err := p.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, key)
	}
	if p.servers != nil && !p.servers.HasServer(server) {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	player.CurrentServer = server
	player.LastSeen = p.now()
	if err := p.cache.Put(ctx, key, player); err != nil {
		return fmt.Errorf("cache player %s: %w", key, err)
	}

	p.log.Debug().Str("player", key).Str("server", server).Msg("Player moved")
	return nil
}

func (p *Players) quit(ctx context.Context, key string) error {
	if _, found, err := p.cache.Get(ctx, key); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, key)
	}

	if err := p.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("evict player %s: %w", key, err)
	}
	if p.store != nil {
		if err := p.store.TouchPlayer(key, p.now()); err != nil {
			return fmt.Errorf("store player %s: %w", key, err)
		}
	}

	p.log.Debug().Str("player", key).Msg("Player quit")
	return nil
}

// lookup prefers the cache and falls back to the store.
func (p *Players) lookup(ctx context.Context, key string) (models.Player, bool, error) {
	player, found, err := p.cache.Get(ctx, key)
	if err != nil || found {
		return player, found, err
	}
	if p.store == nil {
		return models.Player{}, false, nil
	}

	stored, err := p.store.GetPlayer(key)
	if err != nil {
		return models.Player{}, false, fmt.Errorf("load player %s: %w", key, err)
	}
	if stored == nil {
		return models.Player{}, false, nil
	}

	return *stored, true, nil
}

// PlayerStatus maps a player error to a Respond status.
func PlayerStatus(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, ErrUnknownPlayer), errors.Is(err, ErrUnknownServer):
		return protocol.StatusNotFound
	case errors.Is(err, ErrInvalidPlayer):
		return protocol.StatusBadRequest
	default:
		return protocol.StatusUnavailable
	}
}
