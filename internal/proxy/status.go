package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/woozymasta/drover/internal/metrics"
)

// StatusHandler serves the mirrored servers as JSON on /servers and the
// Prometheus metrics on /metrics.
func (p *Proxy) StatusHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /servers", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.Mirror.Servers()); err != nil {
			p.log.Warn().Err(err).Msg("Failed to write server list")
		}
	})
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
