package server

import (
	"context"
	"sync"
	"time"

	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
)

// Orchestrator is the part of the master scheduler exposed over HTTP.
type Orchestrator interface {
	Instances() []models.ServerInstance
	Patterns() []models.ServerPattern
	PutPattern(p models.ServerPattern) (bool, error)
	DeletePattern(name string) (bool, error)
	RequestServers(pattern string, amount int) ([]models.ServerInstance, error)
	StopServer(ctx context.Context, instanceID string) error
	InvalidatePermission(scope models.PermissionScope, key string) int
	InfoUpdate(p *protocol.ServerInfoUpdate) bool
}

// ClientLister lists admitted sessions.
type ClientLister interface {
	Snapshot() []*network.Session
}

// PlayerLister lists connected players.
type PlayerLister interface {
	Online(ctx context.Context) ([]models.Player, error)
}

// Prober queries a game server for its status.
type Prober interface {
	Probe(host string, port int) (models.ServerInfo, error)
}

// Deps are the master components served by the API.
type Deps struct {
	Orchestrator Orchestrator
	Clients      ClientLister

	// Players may be nil when player tracking is disabled.
	Players PlayerLister

	// Prober fills reports that carry no status. It may be nil.
	Prober Prober
}

// Server holds the dependencies, configuration, and runtime state required
// to handle admin requests and background status report processing.
type Server struct {
	// deps are the master components behind the endpoints.
	deps Deps

	// queue is a buffered channel used to pass status reports from HTTP handlers
	// to background workers.
	queue chan reportJob

	// shutdown is a signal channel used to broadcast a stop signal to all background workers
	// during a graceful shutdown.
	shutdown chan struct{}

	// seenCache tracks when each server last had a report accepted. It backs
	// the soft rate limit that drops overly frequent reports.
	seenCache sync.Map

	// authToken is the secret token required to access administrative API endpoints.
	authToken string

	// wg is used to wait for all background workers to finish processing
	// before the server shuts down completely.
	wg sync.WaitGroup

	// maxBody specifies the maximum allowed size (in bytes) for incoming HTTP request bodies.
	maxBody int64

	// hardLimitCount is the maximum number of requests allowed per IP address
	// within the hardLimitWin duration.
	hardLimitCount int

	// hardLimitWin is the time window duration for the hard rate limiter.
	hardLimitWin time.Duration

	// softLimitDur is the duration for which a server report is ignored
	// if one was recently accepted.
	softLimitDur time.Duration

	// trustProxy indicates whether the server should trust headers like X-Forwarded-For
	// or CF-Connecting-IP when determining the client's real IP address.
	trustProxy bool
}

// reportJob is one accepted status report waiting for a worker.
type reportJob struct {
	// IP is the resolved address of the reporting server.
	IP string

	// Req is the decoded report body.
	Req StatusReport
}

// StatusReport is the body game servers post to /api/report.
type StatusReport struct {
	Motd          string `json:"motd"`
	Port          int    `json:"port"`
	OnlinePlayers int    `json:"online_players"`
	MaxPlayers    int    `json:"max_players"`
}

// clientView is the JSON form of an admitted session.
type clientView struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Host       string `json:"host"`
	ID         uint64 `json:"id"`
	Port       int    `json:"port"`
	SubPort    int    `json:"sub_port"`
	Pending    int    `json:"pending"`
}
