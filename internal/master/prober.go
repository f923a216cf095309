package master

import (
	"context"
	"time"

	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/protocol"
)

// InfoProber queries the status of a running server.
type InfoProber interface {
	Probe(host string, port int) (models.ServerInfo, error)
}

// RunProber polls every ONLINE instance each interval and applies changed
// status as info updates, until ctx is cancelled.
func (o *Orchestrator) RunProber(ctx context.Context, prober InfoProber, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.probeOnce(prober)
		}
	}
}

func (o *Orchestrator) probeOnce(prober InfoProber) {
	for _, inst := range o.Instances() {
		if inst.State != models.StateOnline {
			continue
		}

		info, err := prober.Probe(inst.Host, inst.Port)
		if err != nil {
			o.log.Trace().Err(err).Str("instance", inst.Name()).Msg("Probe failed")
			continue
		}
		if info == inst.Info {
			continue
		}

		o.InfoUpdate(&protocol.ServerInfoUpdate{
			Address:       inst.Address(),
			Motd:          info.Motd,
			OnlinePlayers: info.OnlinePlayers,
			MaxPlayers:    info.MaxPlayers,
		})
	}
}
