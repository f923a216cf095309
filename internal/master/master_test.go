package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/drover/internal/cache"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/protocol"
)

type fakeFleet struct {
	reply      func(ctx context.Context, p protocol.Packet) (*protocol.Respond, error)
	broadcasts map[models.ClientType][]protocol.Packet
	daemons    []Daemon
	requests   []protocol.Packet
	mu         sync.Mutex
}

func newFakeFleet(daemons ...Daemon) *fakeFleet {
	return &fakeFleet{
		daemons:    daemons,
		broadcasts: make(map[models.ClientType][]protocol.Packet),
	}
}

func (f *fakeFleet) Daemons() []Daemon {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Daemon(nil), f.daemons...)
}

func (f *fakeFleet) Request(ctx context.Context, _ uint64, p protocol.Packet, _ time.Duration) (*protocol.Respond, error) {
	f.mu.Lock()
	f.requests = append(f.requests, p)
	reply := f.reply
	f.mu.Unlock()

	if reply == nil {
		return &protocol.Respond{Status: protocol.StatusOK}, nil
	}

	return reply(ctx, p)
}

func (f *fakeFleet) Broadcast(t models.ClientType, p protocol.Packet) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcasts[t] = append(f.broadcasts[t], p)
	return 1
}

func (f *fakeFleet) count(id protocol.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, p := range f.requests {
		if p.ID() == id {
			n++
		}
	}

	return n
}

func (f *fakeFleet) sent(t models.ClientType, id protocol.ID) []protocol.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()

	var list []protocol.Packet
	for _, p := range f.broadcasts[t] {
		if p.ID() == id {
			list = append(list, p)
		}
	}

	return list
}

// blockUntilCancel keeps start requests pending until the orchestrator closes.
func blockUntilCancel(ctx context.Context, _ protocol.Packet) (*protocol.Respond, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func countState(list []models.ServerInstance, state models.InstanceState) int {
	n := 0
	for _, inst := range list {
		if inst.State == state {
			n++
		}
	}

	return n
}

func onlineState(o *Orchestrator, id string, pattern string, n, port int) {
	o.ServerState(Daemon{ID: 1, Host: "10.0.0.1"}, &protocol.ServerState{
		InstanceID: id,
		Pattern:    pattern,
		Num:        n,
		Port:       port,
		State:      models.StateOnline,
	})
}

// TestEvaluateStartsMinimum verifies min 2 yields exactly two start requests,
// and none once both are online.
func TestEvaluateStartsMinimum(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	o := New(fleet, nil, Options{})

	created, err := o.PutPattern(models.ServerPattern{Name: "lobby", Min: 2, Max: 4})
	require.NoError(t, err)
	assert.True(t, created)

	require.Eventually(t, func() bool {
		return countState(o.Instances(), models.StateOnline) == 2
	}, 2*time.Second, 10*time.Millisecond)

	o.Evaluate()
	o.Close()

	assert.Equal(t, 2, fleet.count(protocol.IDServerRequest))

	list := o.Instances()
	require.Len(t, list, 2)
	assert.Equal(t, []int{1, 2}, []int{list[0].ID, list[1].ID})
	assert.ElementsMatch(t, []int{DefaultBasePort, DefaultBasePort + 1}, []int{list[0].Port, list[1].Port})

	assert.Len(t, fleet.sent(models.ClientProxy, protocol.IDServerRegister), 2)
	assert.Len(t, fleet.sent(models.ClientDaemon, protocol.IDPatternState), 1)
}

// TestAllocationSpreadsAcrossDaemons verifies host, port and id selection.
func TestAllocationSpreadsAcrossDaemons(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"}, Daemon{ID: 2, Host: "10.0.0.2"})
	fleet.reply = blockUntilCancel
	o := New(fleet, nil, Options{BasePort: 30000})

	_, err := o.PutPattern(models.ServerPattern{Name: "game", Min: 3, Max: 3})
	require.NoError(t, err)

	list := o.Instances()
	require.Len(t, list, 3)

	byID := make(map[int]models.ServerInstance)
	for _, inst := range list {
		assert.Equal(t, models.StateStarting, inst.State)
		byID[inst.ID] = inst
	}

	assert.Equal(t, uint64(1), byID[1].DaemonID)
	assert.Equal(t, 30000, byID[1].Port)
	assert.Equal(t, uint64(2), byID[2].DaemonID)
	assert.Equal(t, 30000, byID[2].Port)
	assert.Equal(t, uint64(1), byID[3].DaemonID)
	assert.Equal(t, 30001, byID[3].Port)

	o.Close()
	assert.Empty(t, o.Instances())
}

// TestRequestServersCapacityDenied verifies requests above max change nothing.
func TestRequestServersCapacityDenied(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	fleet.reply = blockUntilCancel
	o := New(fleet, nil, Options{})
	defer o.Close()

	_, err := o.PutPattern(models.ServerPattern{Name: "lobby", Max: 2})
	require.NoError(t, err)

	started, err := o.RequestServers("lobby", 2)
	require.NoError(t, err)
	assert.Len(t, started, 2)

	_, err = o.RequestServers("lobby", 1)
	require.ErrorIs(t, err, ErrCapacityDenied)
	assert.Len(t, o.Instances(), 2)

	_, err = o.RequestServers("missing", 1)
	require.ErrorIs(t, err, ErrUnknownPattern)

	_, err = o.RequestServers("lobby", 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

// TestRequestServersWithoutDaemon verifies a request fails when no daemon is connected.
func TestRequestServersWithoutDaemon(t *testing.T) {
	o := New(newFakeFleet(), nil, Options{})
	defer o.Close()

	_, err := o.PutPattern(models.ServerPattern{Name: "lobby", Min: 1, Max: 2})
	require.NoError(t, err)
	assert.Empty(t, o.Instances())

	_, err = o.RequestServers("lobby", 1)
	require.ErrorIs(t, err, ErrNoDaemon)
}

// TestFailedStartIsDropped verifies a failed start is forgotten and not retried.
func TestFailedStartIsDropped(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	fleet.reply = func(context.Context, protocol.Packet) (*protocol.Respond, error) {
		reply := &protocol.Respond{Header: "server_request", Status: protocol.StatusUnavailable}
		return reply, reply.Err()
	}
	o := New(fleet, nil, Options{})

	_, err := o.PutPattern(models.ServerPattern{Name: "lobby", Min: 1, Max: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(o.Instances()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	o.Close()
	assert.Equal(t, 1, fleet.count(protocol.IDServerRequest))
	assert.Empty(t, fleet.sent(models.ClientProxy, protocol.IDServerRegister))
}

// TestServerStateAdoptAndOffline verifies unknown online servers are adopted
// and offline servers unregistered.
func TestServerStateAdoptAndOffline(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	o := New(fleet, nil, Options{})
	defer o.Close()

	onlineState(o, "a", "lobby", 1, 25566)
	onlineState(o, "a", "lobby", 1, 25566)

	list := o.Instances()
	require.Len(t, list, 1)
	assert.Equal(t, models.StateOnline, list[0].State)
	assert.Equal(t, "10.0.0.1", list[0].Host)
	assert.True(t, o.HasServer("lobby-1"))

	registered := fleet.sent(models.ClientProxy, protocol.IDServerRegister)
	require.Len(t, registered, 1)
	assert.Equal(t, "lobby", registered[0].(*protocol.ServerRegister).Name)

	o.ServerState(Daemon{ID: 1, Host: "10.0.0.1"}, &protocol.ServerState{InstanceID: "a", State: models.StateOffline})
	assert.Empty(t, o.Instances())

	unregistered := fleet.sent(models.ClientProxy, protocol.IDServerUnregister)
	require.Len(t, unregistered, 1)
	assert.Equal(t, &protocol.ServerUnregister{Host: "10.0.0.1", Port: 25566}, unregistered[0])
}

// TestDaemonDisconnectRemovesInstances verifies only the daemon's instances are dropped.
func TestDaemonDisconnectRemovesInstances(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"}, Daemon{ID: 2, Host: "10.0.0.2"})
	o := New(fleet, nil, Options{})
	defer o.Close()

	onlineState(o, "a", "lobby", 1, 25566)
	onlineState(o, "b", "lobby", 2, 25567)
	o.ServerState(Daemon{ID: 2, Host: "10.0.0.2"}, &protocol.ServerState{
		InstanceID: "c", Pattern: "lobby", Num: 3, Port: 25566, State: models.StateOnline,
	})

	o.DaemonDisconnected(1)

	list := o.Instances()
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].InstanceID)
	assert.Len(t, fleet.sent(models.ClientProxy, protocol.IDServerUnregister), 2)
}

// TestRemoveCountsStartingInstances verifies starting instances count as
// removed but are never unregistered on proxies.
func TestRemoveCountsStartingInstances(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	fleet.reply = blockUntilCancel
	o := New(fleet, nil, Options{})
	defer o.Close()

	_, err := o.PutPattern(models.ServerPattern{Name: "lobby", Min: 1, Max: 2})
	require.NoError(t, err)
	onlineState(o, "a", "arena", 1, 30000)

	list := o.Instances()
	require.Len(t, list, 2)
	assert.Equal(t, 1, countState(list, models.StateStarting))

	assert.Equal(t, 2, o.removeInstances(func(*instance) bool { return true }))
	assert.Empty(t, o.Instances())

	unregistered := fleet.sent(models.ClientProxy, protocol.IDServerUnregister)
	require.Len(t, unregistered, 1)
	assert.Equal(t, &protocol.ServerUnregister{Host: "10.0.0.1", Port: 30000}, unregistered[0])
}

// TestAutostartFirstDaemon verifies autostart entries run when one daemon connects.
func TestAutostartFirstDaemon(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	fleet.reply = blockUntilCancel
	o := New(fleet, nil, Options{
		Autostart:        []string{"lobby:2", "not valid", "missing"},
		AutostartEnabled: true,
	})

	_, err := o.PutPattern(models.ServerPattern{Name: "lobby", Max: 4})
	require.NoError(t, err)

	o.DaemonConnected(Daemon{ID: 1, Host: "10.0.0.1"})
	assert.Len(t, o.Instances(), 2)

	o.Close()
	assert.Equal(t, 2, fleet.count(protocol.IDServerRequest))
}

// TestAutostartDisabled verifies nothing is started without the switch.
func TestAutostartDisabled(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	o := New(fleet, nil, Options{Autostart: []string{"lobby"}})
	defer o.Close()

	_, err := o.PutPattern(models.ServerPattern{Name: "lobby", Max: 4})
	require.NoError(t, err)

	o.DaemonConnected(Daemon{ID: 1, Host: "10.0.0.1"})
	assert.Empty(t, o.Instances())
}

// TestParseAutostart verifies entry parsing and skipping of malformed entries.
func TestParseAutostart(t *testing.T) {
	got := ParseAutostart([]string{"lobby", "game:3", "bad entry", "x:", "arena:0", " pvp:2 "})
	assert.Equal(t, []AutostartEntry{
		{Pattern: "lobby", Amount: 1},
		{Pattern: "game", Amount: 3},
		{Pattern: "pvp", Amount: 2},
	}, got)
}

// TestStopServerUnknownToDaemon verifies a NOT_FOUND reply removes the instance.
func TestStopServerUnknownToDaemon(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	o := New(fleet, nil, Options{})
	defer o.Close()

	onlineState(o, "a", "lobby", 1, 25566)

	fleet.mu.Lock()
	fleet.reply = func(context.Context, protocol.Packet) (*protocol.Respond, error) {
		reply := &protocol.Respond{Header: "server_shutdown", Status: protocol.StatusNotFound}
		return reply, reply.Err()
	}
	fleet.mu.Unlock()

	err := o.StopServer(context.Background(), "a")
	require.ErrorIs(t, err, ErrUnknownInstance)
	assert.Empty(t, o.Instances())

	err = o.StopServer(context.Background(), "a")
	require.ErrorIs(t, err, ErrUnknownInstance)
}

// TestStopServerMarksStopping verifies an accepted shutdown leaves the instance STOPPING.
func TestStopServerMarksStopping(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	o := New(fleet, nil, Options{})
	defer o.Close()

	onlineState(o, "a", "lobby", 1, 25566)
	require.NoError(t, o.StopServer(context.Background(), "a"))

	list := o.Instances()
	require.Len(t, list, 1)
	assert.Equal(t, models.StateStopping, list[0].State)
	assert.Equal(t, 1, fleet.count(protocol.IDServerShutdown))
}

// TestInfoUpdateForwarded verifies info updates are stored and sent to proxies.
func TestInfoUpdateForwarded(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	o := New(fleet, nil, Options{})
	defer o.Close()

	onlineState(o, "a", "lobby", 1, 25566)

	assert.True(t, o.InfoUpdate(&protocol.ServerInfoUpdate{Address: "10.0.0.1:25566", Motd: "hi", OnlinePlayers: 3, MaxPlayers: 20}))
	assert.False(t, o.InfoUpdate(&protocol.ServerInfoUpdate{Address: "10.0.0.9:1"}))

	list := o.Instances()
	require.Len(t, list, 1)
	assert.Equal(t, models.ServerInfo{Motd: "hi", OnlinePlayers: 3, MaxPlayers: 20}, list[0].Info)
	assert.Len(t, fleet.sent(models.ClientProxy, protocol.IDServerInfoUpdate), 1)

	packets := o.RegisterPackets()
	require.Len(t, packets, 1)
	assert.Equal(t, "hi", packets[0].(*protocol.ServerRegister).Motd)
}

// TestPatternLifecycle verifies create and delete notifications to daemons.
func TestPatternLifecycle(t *testing.T) {
	fleet := newFakeFleet()
	o := New(fleet, nil, Options{})
	defer o.Close()

	created, err := o.PutPattern(models.ServerPattern{Name: "lobby", Max: 2})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = o.PutPattern(models.ServerPattern{Name: "lobby", Max: 3})
	require.NoError(t, err)
	assert.False(t, created)

	_, err = o.PutPattern(models.ServerPattern{Name: "bad name", Max: 1})
	require.Error(t, err)

	require.Len(t, o.Patterns(), 1)
	assert.Equal(t, 3, o.Patterns()[0].Max)

	deleted, err := o.DeletePattern("lobby")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = o.DeletePattern("lobby")
	require.NoError(t, err)
	assert.False(t, deleted)

	states := fleet.sent(models.ClientDaemon, protocol.IDPatternState)
	require.Len(t, states, 2)
	assert.Equal(t, &protocol.PatternState{Name: "lobby", Created: true}, states[0])
	assert.Equal(t, &protocol.PatternState{Name: "lobby", Created: false}, states[1])
}

// TestPatternsOrdered verifies priority then name ordering.
func TestPatternsOrdered(t *testing.T) {
	o := New(newFakeFleet(), nil, Options{})
	defer o.Close()

	applied := o.SyncPatterns([]models.ServerPattern{
		{Name: "b", Priority: 1, Max: 1},
		{Name: "a", Priority: 1, Max: 1},
		{Name: "c", Priority: 0, Max: 1},
		{Name: "", Max: 1},
	})
	assert.Equal(t, 3, applied)

	var names []string
	for _, p := range o.Patterns() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

// TestInvalidatePermission verifies the invalidation reaches proxies.
func TestInvalidatePermission(t *testing.T) {
	fleet := newFakeFleet()
	o := New(fleet, nil, Options{})
	defer o.Close()

	assert.Equal(t, 1, o.InvalidatePermission(models.ScopeGroup, "vip"))
	assert.Equal(t,
		[]protocol.Packet{&protocol.UpdatePermission{Key: "vip", Scope: models.ScopeGroup}},
		fleet.sent(models.ClientProxy, protocol.IDUpdatePermission))
}

type staticProber struct {
	info models.ServerInfo
}

func (p staticProber) Probe(string, int) (models.ServerInfo, error) {
	return p.info, nil
}

// TestProbeOnceAppliesChanges verifies probed info is applied and forwarded once.
func TestProbeOnceAppliesChanges(t *testing.T) {
	fleet := newFakeFleet(Daemon{ID: 1, Host: "10.0.0.1"})
	o := New(fleet, nil, Options{})
	defer o.Close()

	onlineState(o, "a", "lobby", 1, 25566)

	prober := staticProber{info: models.ServerInfo{Motd: "lobby", OnlinePlayers: 1, MaxPlayers: 10}}
	o.probeOnce(prober)
	o.probeOnce(prober)

	assert.Equal(t, prober.info, o.Instances()[0].Info)
	assert.Len(t, fleet.sent(models.ClientProxy, protocol.IDServerInfoUpdate), 1)
}

type staticLookup map[string]bool

func (l staticLookup) HasServer(name string) bool { return l[name] }

// TestPlayersLifecycle verifies join, move and quit handling with status mapping.
func TestPlayersLifecycle(t *testing.T) {
	ctx := context.Background()
	players := NewPlayers(cache.NewMemory[models.Player](time.Hour), nil, staticLookup{"lobby-1": true})
	id := "7c9e6679-7425-40de-944b-e07fc1f90ae7"

	err := players.Apply(ctx, &protocol.PlayerState{Player: id, State: protocol.PlayerServer, Meta: "lobby-1"})
	assert.Equal(t, protocol.StatusNotFound, PlayerStatus(err))

	require.NoError(t, players.Apply(ctx, &protocol.PlayerState{Player: id, Name: "Steve", Group: "vip", State: protocol.PlayerJoin}))

	err = players.Apply(ctx, &protocol.PlayerState{Player: id, State: protocol.PlayerServer, Meta: "lobby-9"})
	assert.Equal(t, protocol.StatusNotFound, PlayerStatus(err))

	require.NoError(t, players.Apply(ctx, &protocol.PlayerState{Player: id, State: protocol.PlayerServer, Meta: "lobby-1"}))

	online, err := players.Online(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "Steve", online[0].Name)
	assert.Equal(t, "vip", online[0].Group)
	assert.Equal(t, "lobby-1", online[0].CurrentServer)

	require.NoError(t, players.Apply(ctx, &protocol.PlayerState{Player: id, State: protocol.PlayerQuit}))
	err = players.Apply(ctx, &protocol.PlayerState{Player: id, State: protocol.PlayerQuit})
	assert.Equal(t, protocol.StatusNotFound, PlayerStatus(err))

	err = players.Apply(ctx, &protocol.PlayerState{Player: "steve", State: protocol.PlayerJoin})
	assert.Equal(t, protocol.StatusBadRequest, PlayerStatus(err))
}
