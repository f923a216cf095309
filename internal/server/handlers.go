package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/master"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/patterns"
)

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps scheduler errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, master.ErrCapacityDenied):
		status = http.StatusConflict
	case errors.Is(err, master.ErrUnknownPattern), errors.Is(err, master.ErrUnknownInstance):
		status = http.StatusNotFound
	case errors.Is(err, master.ErrNoDaemon):
		status = http.StatusServiceUnavailable
	case errors.Is(err, master.ErrInvalidAmount), errors.Is(err, patterns.ErrInvalid):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Admin request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleServers returns every tracked server instance.
func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Instances())
}

// handleStart requests servers of a pattern.
// Query params: ?pattern=lobby&amount=2
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		http.Error(w, "Missing pattern", http.StatusBadRequest)
		return
	}

	amount := 1
	if raw := r.URL.Query().Get("amount"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid amount", http.StatusBadRequest)
			return
		}
		amount = n
	}

	started, err := s.deps.Orchestrator.RequestServers(pattern, amount)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Info().Str("pattern", pattern).Int("amount", amount).Msg("Servers requested manually")
	writeJSON(w, http.StatusAccepted, started)
}

// handleStop asks the owning daemon to stop an instance.
// Query params: ?id=<instance uuid>
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing id", http.StatusBadRequest)
		return
	}

	if err := s.deps.Orchestrator.StopServer(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Server stopping"})
}

// handlePatterns returns every pattern.
func (s *Server) handlePatterns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Patterns())
}

// handlePutPattern creates or replaces a pattern from the JSON body.
func (s *Server) handlePutPattern(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var p models.ServerPattern
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	created, err := s.deps.Orchestrator.PutPattern(p)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"status": "ok", "created": created})
}

// handleDeletePattern removes a pattern.
// Query params: ?name=lobby
func (s *Server) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Missing name", http.StatusBadRequest)
		return
	}

	deleted, err := s.deps.Orchestrator.DeletePattern(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Pattern deleted"})
}

// handlePermissions invalidates cached permissions on every proxy.
// Query params: ?scope=player|group&key=<uuid, name or group>
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "Missing key", http.StatusBadRequest)
		return
	}

	var scope models.PermissionScope
	switch strings.ToLower(r.URL.Query().Get("scope")) {
	case "", "player":
		scope = models.ScopePlayer
	case "group":
		scope = models.ScopeGroup
	default:
		http.Error(w, "Invalid scope", http.StatusBadRequest)
		return
	}

	sent := s.deps.Orchestrator.InvalidatePermission(scope, key)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "proxies": sent})
}

// handleClients returns every admitted session.
func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	sessions := s.deps.Clients.Snapshot()
	views := make([]clientView, 0, len(sessions))
	for _, c := range sessions {
		views = append(views, clientView{
			Type:       c.Type().String(),
			Identifier: c.Identifier(),
			Host:       c.RemoteHost(),
			ID:         c.ID(),
			Port:       c.RemotePort(),
			SubPort:    c.SubPort(),
			Pending:    c.Pending(),
		})
	}

	writeJSON(w, http.StatusOK, views)
}

// handlePlayers returns the connected players.
func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Players == nil {
		writeJSON(w, http.StatusOK, []models.Player{})
		return
	}

	players, err := s.deps.Players.Online(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if players == nil {
		players = []models.Player{}
	}

	writeJSON(w, http.StatusOK, players)
}

// handleServerQuery performs a live A2S query to a game server.
// Query params: ?host=1.2.3.4&port=25566
func (s *Server) handleServerQuery(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if host == "" || err != nil {
		http.Error(w, "Missing host or port", http.StatusBadRequest)
		return
	}
	if s.deps.Prober == nil {
		http.Error(w, "Queries disabled", http.StatusServiceUnavailable)
		return
	}

	info, err := s.deps.Prober.Probe(host, port)
	if err != nil {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, info)
}
