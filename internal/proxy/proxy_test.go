package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
)

type fakeMaster struct {
	err    error
	reply  *protocol.Respond
	states []*protocol.PlayerState
}

func (m *fakeMaster) Request(_ context.Context, p protocol.Packet) (*protocol.Respond, error) {
	m.states = append(m.states, p.(*protocol.PlayerState))
	return m.reply, m.err
}

func lobby(id, port int) *protocol.ServerRegister {
	return &protocol.ServerRegister{Type: "game", Name: "lobby", Host: "10.0.0.1", Num: id, Port: port}
}

// TestMirrorRegisterIdempotent verifies repeated registrations keep one entry.
func TestMirrorRegisterIdempotent(t *testing.T) {
	m := NewMirror()

	assert.True(t, m.Register(lobby(1, 25566)))
	assert.False(t, m.Register(lobby(1, 25566)))
	assert.Equal(t, 1, m.Len())

	s, ok := m.Get("lobby-1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:25566", s.Address())
}

// TestMirrorUnregisterByAddress verifies removal by host and port.
func TestMirrorUnregisterByAddress(t *testing.T) {
	m := NewMirror()
	m.Register(lobby(1, 25566))
	m.Register(lobby(2, 25567))

	s, ok := m.Unregister("10.0.0.1", 25566)
	require.True(t, ok)
	assert.Equal(t, "lobby-1", s.Key())

	_, ok = m.Unregister("10.0.0.1", 25566)
	assert.False(t, ok)

	servers := m.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, 2, servers[0].ID)
}

// TestMirrorInfoUpdate verifies updates by address survive re-registration.
func TestMirrorInfoUpdate(t *testing.T) {
	m := NewMirror()
	m.Register(lobby(1, 25566))

	assert.True(t, m.InfoUpdate(&protocol.ServerInfoUpdate{Address: "10.0.0.1:25566", Motd: "welcome", OnlinePlayers: 4, MaxPlayers: 50}))
	assert.False(t, m.InfoUpdate(&protocol.ServerInfoUpdate{Address: "10.0.0.2:25566"}))

	m.Register(lobby(1, 25566))

	s, ok := m.Get("lobby-1")
	require.True(t, ok)
	assert.Equal(t, 4, s.OnlinePlayers)
	assert.Equal(t, 50, s.MaxPlayers)
}

// TestDispatchMultiBatch verifies a batch of registrations fills the mirror in order.
func TestDispatchMultiBatch(t *testing.T) {
	packets := protocol.NewRegistry()
	d := protocol.NewDispatcher[*network.Session](packets)

	p := New(&fakeMaster{}, nil)
	p.Register(d)

	multi, err := packets.NewMulti(lobby(1, 25566), lobby(2, 25567), lobby(1, 25566))
	require.NoError(t, err)
	body, err := packets.Encode(multi)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(nil, protocol.Frame{ID: protocol.IDMulti, Body: body}))
	assert.Equal(t, 2, p.Mirror.Len())

	d.DispatchPacket(nil, 0, &protocol.ServerUnregister{Host: "10.0.0.1", Port: 25567})
	assert.Equal(t, 1, p.Mirror.Len())

	p.Disconnected(nil)
	assert.Zero(t, p.Mirror.Len())
}

// TestPermissionInvalidation verifies player and group scopes.
func TestPermissionInvalidation(t *testing.T) {
	var refreshed []string
	perms := NewPermissions(func(uuid string) { refreshed = append(refreshed, uuid) })

	perms.Track("u1", "Steve", "vip")
	perms.Track("u2", "Alex", "vip")
	perms.Track("u3", "Herobrine", "")

	assert.Equal(t, 1, perms.Invalidate(models.ScopePlayer, "u3"))
	assert.Equal(t, 1, perms.Invalidate(models.ScopePlayer, "steve"))
	assert.Equal(t, []string{"u3", "u1"}, refreshed)

	refreshed = nil
	assert.Equal(t, 2, perms.Invalidate(models.ScopeGroup, "VIP"))
	assert.ElementsMatch(t, []string{"u1", "u2"}, refreshed)

	perms.Forget("u1")
	assert.Equal(t, 1, perms.Invalidate(models.ScopeGroup, "vip"))
	assert.Zero(t, perms.Invalidate(models.ScopeGroup, "admin"))
}

// TestUpdatePermissionHandler verifies the pushed packet reaches the refresher.
func TestUpdatePermissionHandler(t *testing.T) {
	d := protocol.NewDispatcher[*network.Session](protocol.NewRegistry())

	var refreshed []string
	p := New(&fakeMaster{}, func(uuid string) { refreshed = append(refreshed, uuid) })
	p.Register(d)
	p.Permissions.Track("u1", "Steve", "vip")

	d.DispatchPacket(nil, 0, &protocol.UpdatePermission{Key: "vip", Scope: models.ScopeGroup})
	assert.Equal(t, []string{"u1"}, refreshed)
}

// TestReportServerStatus verifies the master's answer is returned as is.
func TestReportServerStatus(t *testing.T) {
	master := &fakeMaster{reply: &protocol.Respond{Status: protocol.StatusNotFound}}
	master.err = master.reply.Err()
	p := New(master, nil)

	status, err := p.ReportServer(context.Background(), "u1", "lobby-9")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusNotFound, status)

	require.Len(t, master.states, 1)
	assert.Equal(t, &protocol.PlayerState{Player: "u1", Meta: "lobby-9", State: protocol.PlayerServer}, master.states[0])
}

// TestReportWithoutMaster verifies transport failures map to a status and error.
func TestReportWithoutMaster(t *testing.T) {
	p := New(&fakeMaster{err: network.ErrRequestTimeout}, nil)
	status, err := p.Join(context.Background(), "u1", "Steve", "")
	require.ErrorIs(t, err, network.ErrRequestTimeout)
	assert.Equal(t, protocol.StatusTimeout, status)

	p = New(&fakeMaster{err: network.ErrNotConnected}, nil)
	status, err = p.Quit(context.Background(), "u1")
	require.ErrorIs(t, err, network.ErrNotConnected)
	assert.Equal(t, protocol.StatusUnavailable, status)
}

// TestStatusHandler verifies the server list endpoint.
func TestStatusHandler(t *testing.T) {
	p := New(&fakeMaster{}, nil)
	p.Mirror.Register(lobby(1, 25566))

	rec := httptest.NewRecorder()
	p.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/servers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var servers []Server
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &servers))
	require.Len(t, servers, 1)
	assert.Equal(t, "lobby", servers[0].Name)
}
