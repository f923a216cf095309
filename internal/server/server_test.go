package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/drover/internal/config"
	"github.com/woozymasta/drover/internal/master"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
)

const testToken = "secret"

type fakeOrchestrator struct {
	startErr    error
	stopErr     error
	updates     []*protocol.ServerInfoUpdate
	patterns    []models.ServerPattern
	invalidated []string
	mu          sync.Mutex
}

func (f *fakeOrchestrator) Instances() []models.ServerInstance {
	return []models.ServerInstance{{InstanceID: "a", Pattern: "lobby", ID: 1, State: models.StateOnline}}
}

func (f *fakeOrchestrator) Patterns() []models.ServerPattern { return f.patterns }

func (f *fakeOrchestrator) PutPattern(p models.ServerPattern) (bool, error) {
	for _, existing := range f.patterns {
		if existing.Name == p.Name {
			return false, nil
		}
	}
	f.patterns = append(f.patterns, p)
	return true, nil
}

func (f *fakeOrchestrator) DeletePattern(name string) (bool, error) {
	return name == "lobby", nil
}

func (f *fakeOrchestrator) RequestServers(pattern string, amount int) ([]models.ServerInstance, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}

	list := make([]models.ServerInstance, amount)
	for i := range list {
		list[i] = models.ServerInstance{Pattern: pattern, ID: i + 1, State: models.StateStarting}
	}
	return list, nil
}

func (f *fakeOrchestrator) StopServer(context.Context, string) error { return f.stopErr }

func (f *fakeOrchestrator) InvalidatePermission(scope models.PermissionScope, key string) int {
	f.invalidated = append(f.invalidated, scope.String()+":"+key)
	return 2
}

func (f *fakeOrchestrator) InfoUpdate(p *protocol.ServerInfoUpdate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, p)
	return true
}

func (f *fakeOrchestrator) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.updates)
}

type emptyClients struct{}

func (emptyClients) Snapshot() []*network.Session { return nil }

type fixedProber struct{}

func (fixedProber) Probe(string, int) (models.ServerInfo, error) {
	return models.ServerInfo{Motd: "probed", MaxPlayers: 20}, nil
}

func newTestServer(orch *fakeOrchestrator) *Server {
	return New(Deps{Orchestrator: orch, Clients: emptyClients{}, Prober: fixedProber{}}, config.API{
		AuthToken:      testToken,
		MaxBodySize:    4096,
		HardLimitCount: 100,
		HardLimitWin:   time.Minute,
		SoftLimitDur:   time.Minute,
	})
}

func do(t *testing.T, h http.Handler, method, target, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

// TestAdminRequiresToken verifies admin endpoints reject missing tokens.
func TestAdminRequiresToken(t *testing.T) {
	h := newTestServer(&fakeOrchestrator{}).Run()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/servers", "", false).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/servers", "", true).Code)
}

// TestStartServers verifies the start endpoint and its error mapping.
func TestStartServers(t *testing.T) {
	orch := &fakeOrchestrator{}
	h := newTestServer(orch).Run()

	rec := do(t, h, http.MethodPost, "/api/servers/start?pattern=lobby&amount=2", "", true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started []models.ServerInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Len(t, started, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/servers/start", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/servers/start?pattern=lobby&amount=x", "", true).Code)

	orch.startErr = fmt.Errorf("%w: lobby", master.ErrCapacityDenied)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/servers/start?pattern=lobby", "", true).Code)

	orch.startErr = master.ErrNoDaemon
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/servers/start?pattern=lobby", "", true).Code)

	orch.startErr = fmt.Errorf("%w: arena", master.ErrUnknownPattern)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/servers/start?pattern=arena", "", true).Code)
}

// TestStopServer verifies the stop endpoint.
func TestStopServer(t *testing.T) {
	orch := &fakeOrchestrator{}
	h := newTestServer(orch).Run()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/servers/stop?id=a", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/servers/stop", "", true).Code)

	orch.stopErr = master.ErrUnknownInstance
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/servers/stop?id=b", "", true).Code)
}

// TestPatternEndpoints verifies create, update, list and delete.
func TestPatternEndpoints(t *testing.T) {
	h := newTestServer(&fakeOrchestrator{}).Run()

	body := `{"name":"lobby","min":1,"max":4}`
	assert.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/api/patterns", body, true).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/patterns", body, true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/patterns", "{", true).Code)

	rec := do(t, h, http.MethodGet, "/api/patterns", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.ServerPattern
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, 4, list[0].Max)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/api/patterns?name=lobby", "", true).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/patterns?name=arena", "", true).Code)
}

// TestPermissionsEndpoint verifies scope parsing.
func TestPermissionsEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{}
	h := newTestServer(orch).Run()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/permissions?scope=group&key=vip", "", true).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/permissions?key=Steve", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/permissions?scope=world&key=x", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/permissions?scope=group", "", true).Code)

	assert.Equal(t, []string{"GROUP:vip", "PLAYER:Steve"}, orch.invalidated)
}

// TestClientsAndPlayers verifies list endpoints return JSON arrays.
func TestClientsAndPlayers(t *testing.T) {
	h := newTestServer(&fakeOrchestrator{}).Run()

	rec := do(t, h, http.MethodGet, "/api/clients", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/players", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

// TestReportQueued verifies reports reach the orchestrator and repeats are soft limited.
func TestReportQueued(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestServer(orch)
	s.StartWorkers()
	h := s.Run()

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/report", `{"port":25566}`, false).Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/report", `{"port":25566}`, false).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/report", `{"port":0}`, false).Code)

	require.Eventually(t, func() bool { return orch.updateCount() == 1 }, time.Second, 10*time.Millisecond)
	s.StopWorkers()

	assert.Equal(t, 1, orch.updateCount())
	assert.Equal(t, &protocol.ServerInfoUpdate{Address: "192.0.2.1:25566", Motd: "probed", MaxPlayers: 20}, orch.updates[0])
}

// TestRateLimit verifies the hard limit per IP.
func TestRateLimit(t *testing.T) {
	s := New(Deps{Orchestrator: &fakeOrchestrator{}, Clients: emptyClients{}}, config.API{
		AuthToken:      testToken,
		HardLimitCount: 2,
		HardLimitWin:   time.Hour,
	})
	h := s.Run()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/servers", "", true).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/servers", "", true).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/api/servers", "", true).Code)
}

// TestGetRealIP verifies proxy headers are only trusted when enabled.
func TestGetRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "10.0.0.1", GetRealIP(req, false))
	assert.Equal(t, "203.0.113.9", GetRealIP(req, true))
}
