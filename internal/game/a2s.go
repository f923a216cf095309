// Package game queries running game servers with the Source Engine Query
// (A2S) protocol.
package game

import (
	"github.com/woozymasta/a2s/pkg/a2s"
	"github.com/woozymasta/drover/internal/config"
	"github.com/woozymasta/drover/internal/models"
)

// Prober requests A2S_INFO from servers.
type Prober struct {
	options config.A2S
}

// NewProber creates a prober with the given query options.
func NewProber(options config.A2S) *Prober {
	return &Prober{options: options}
}

// Probe connects to host:port over UDP and returns the reported status.
func (p *Prober) Probe(host string, port int) (models.ServerInfo, error) {
	client, err := a2s.New(host, port)
	if err != nil {
		return models.ServerInfo{}, err
	}
	defer func() { _ = client.Close() }()

	if p.options.BufferSize > 0 {
		client.BufferSize = p.options.BufferSize
	}
	if p.options.Timeout > 0 {
		client.Timeout = p.options.Timeout
	}

	info, err := client.GetInfo()
	if err != nil {
		return models.ServerInfo{}, err
	}

	return models.ServerInfo{
		Motd:          info.Name,
		OnlinePlayers: int(info.Players),
		MaxPlayers:    int(info.MaxPlayers),
	}, nil
}
