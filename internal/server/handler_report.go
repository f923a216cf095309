package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/metrics"
	"github.com/woozymasta/drover/internal/protocol"
)

// handleReport accepts a status report from a running game server. Reports
// are matched to instances by source address, soft rate limited per server
// and queued so the reporting server is never blocked.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	ip := GetRealIP(r, s.trustProxy)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var req StatusReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Debug().
			Err(err).
			Str("ip", ip).
			Msg("Invalid report JSON")

		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Port < 1 || req.Port > 65535 {
		log.Debug().
			Str("ip", ip).
			Int("port", req.Port).
			Msg("Invalid report port")

		http.Error(w, "Invalid port", http.StatusBadRequest)
		return
	}

	// Soft Limit
	softKey := fmt.Sprintf("%s:%d", ip, req.Port)
	if val, ok := s.seenCache.Load(softKey); ok {
		if lastSeen, ok := val.(time.Time); ok && time.Since(lastSeen) < s.softLimitDur {
			log.Trace().
				Str("ip", ip).
				Int("port", req.Port).
				Msg("Report dropped by soft limit")
			metrics.RecordAPIRejected("soft_limit")

			w.WriteHeader(http.StatusAccepted)
			return
		}
	}
	s.seenCache.Store(softKey, time.Now())

	select {
	case s.queue <- reportJob{Req: req, IP: ip}:
		w.WriteHeader(http.StatusAccepted)
	default:
		log.Warn().
			Str("ip", ip).
			Int("port", req.Port).
			Msg("Queue full, report dropped")
		metrics.RecordAPIRejected("queue_full")

		http.Error(w, "Busy", http.StatusServiceUnavailable)
	}
}

// worker is a background goroutine that processes jobs from the report queue.
func (s *Server) worker() {
	defer s.wg.Done()

	for job := range s.queue {
		s.processJob(job)
	}
}

// processJob turns a report into an info update. Reports without a player
// limit are completed with a live A2S query.
func (s *Server) processJob(job reportJob) {
	update := &protocol.ServerInfoUpdate{
		Address:       net.JoinHostPort(job.IP, strconv.Itoa(job.Req.Port)),
		Motd:          job.Req.Motd,
		OnlinePlayers: job.Req.OnlinePlayers,
		MaxPlayers:    job.Req.MaxPlayers,
	}

	if update.MaxPlayers == 0 && s.deps.Prober != nil {
		info, err := s.deps.Prober.Probe(job.IP, job.Req.Port)
		if err != nil {
			log.Debug().
				Err(err).
				Str("addr", update.Address).
				Msg("A2S query failed")
		} else {
			update.Motd = info.Motd
			update.OnlinePlayers = info.OnlinePlayers
			update.MaxPlayers = info.MaxPlayers
		}
	}

	if !s.deps.Orchestrator.InfoUpdate(update) {
		log.Debug().Str("addr", update.Address).Msg("Report from unknown server ignored")
		return
	}

	log.Trace().Str("addr", update.Address).Int("players", update.OnlinePlayers).Msg("Report applied")
}
