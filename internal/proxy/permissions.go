package proxy

import (
	"strings"
	"sync"

	"github.com/woozymasta/drover/internal/models"
)

// Refresher reloads the permissions of one player.
type Refresher func(uuid string)

type trackedPlayer struct {
	uuid  string
	name  string
	group string
}

// Permissions tracks connected players and refreshes their cached
// permissions when the master invalidates them.
type Permissions struct {
	refresh Refresher
	players map[string]trackedPlayer
	mu      sync.RWMutex
}

// NewPermissions creates a tracker. refresh may be nil.
func NewPermissions(refresh Refresher) *Permissions {
	return &Permissions{
		refresh: refresh,
		players: make(map[string]trackedPlayer),
	}
}

// Track remembers a connected player.
func (p *Permissions) Track(uuid, name, group string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.players[uuid] = trackedPlayer{uuid: uuid, name: name, group: group}
}

// Forget drops a disconnected player.
func (p *Permissions) Forget(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.players, uuid)
}

// Invalidate refreshes every player matched by scope and key and returns how
// many were refreshed. PLAYER keys match a uuid or a case-insensitive name;
// GROUP keys match every player holding that group.
func (p *Permissions) Invalidate(scope models.PermissionScope, key string) int {
	p.mu.RLock()
	var matched []string
	for _, player := range p.players {
		if matches(player, scope, key) {
			matched = append(matched, player.uuid)
		}
	}
	p.mu.RUnlock()

	if p.refresh != nil {
		for _, uuid := range matched {
			p.refresh(uuid)
		}
	}

	return len(matched)
}

func matches(player trackedPlayer, scope models.PermissionScope, key string) bool {
	if scope == models.ScopeGroup {
		return player.group != "" && strings.EqualFold(player.group, key)
	}

	return player.uuid == key || strings.EqualFold(player.name, key)
}
