// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/drover/internal/logger"
	"github.com/woozymasta/drover/internal/vars"
)

// ErrVersion is returned by parsing when only the version was requested.
var ErrVersion = errors.New("version requested")

// Master represents the complete drover-master flags configuration.
type Master struct {
	// betteralign:ignore

	Listen    Listen        `group:"Listener Options" env-namespace:"DROVER_MASTER"`
	Whitelist Whitelist     `group:"Whitelist Options" namespace:"whitelist" env-namespace:"DROVER_MASTER_WHITELIST"`
	GeoIP     GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"DROVER_MASTER_GEOIP"`
	Storage   Storage       `group:"Storage Options" namespace:"db" env-namespace:"DROVER_MASTER_DB"`
	Cache     Cache         `group:"Cache Options" namespace:"redis" env-namespace:"DROVER_MASTER_REDIS"`
	Orch      Orchestrator  `group:"Orchestrator Options" namespace:"orch" env-namespace:"DROVER_MASTER_ORCH"`
	API       API           `group:"Admin API Options" namespace:"api" env-namespace:"DROVER_MASTER_API"`
	A2S       A2S           `group:"A2S Options" namespace:"a2s" env-namespace:"DROVER_MASTER_A2S"`
	Logger    logger.Config `group:"Logger Options" namespace:"log" env-namespace:"DROVER_MASTER_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Daemon represents the complete drover-daemon flags configuration.
type Daemon struct {
	// betteralign:ignore

	Connect Connect       `group:"Master Connection Options" env-namespace:"DROVER_DAEMON"`
	Process Process       `group:"Process Options" namespace:"process" env-namespace:"DROVER_DAEMON_PROCESS"`
	Logger  logger.Config `group:"Logger Options" namespace:"log" env-namespace:"DROVER_DAEMON_LOG"`

	MetricsAddress string `long:"metrics-address" env:"DROVER_DAEMON_METRICS_ADDRESS" description:"Prometheus metrics listen address, empty to disable"`
	Version        bool   `short:"v" long:"version" description:"Print version and build info"`
}

// Proxy represents the complete drover-proxy flags configuration.
type Proxy struct {
	// betteralign:ignore

	Connect Connect       `group:"Master Connection Options" env-namespace:"DROVER_PROXY"`
	Logger  logger.Config `group:"Logger Options" namespace:"log" env-namespace:"DROVER_PROXY_LOG"`

	StatusAddress string `long:"status-address" env:"DROVER_PROXY_STATUS_ADDRESS" description:"Listen address of the server list and metrics endpoint, empty to disable" default:":8081"`
	SubPort       int    `long:"sub-port" env:"DROVER_PROXY_SUB_PORT" description:"Player facing port announced to the master" default:"25565"`
	Version       bool   `short:"v" long:"version" description:"Print version and build info"`
}

// Listen holds the master protocol listener configuration.
type Listen struct {
	// betteralign:ignore

	Address        string        `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"Protocol listen address" default:":7070"`
	RequestTimeout time.Duration `long:"request-timeout" env:"REQUEST_TIMEOUT" description:"Timeout of requests sent to clients" default:"10s"`
	AttemptCount   int           `long:"attempt-count" env:"ATTEMPT_COUNT" description:"Connection attempts allowed per IP within the window, 0 to disable" default:"16"`
	AttemptWindow  time.Duration `long:"attempt-window" env:"ATTEMPT_WINDOW" description:"Connection attempt window" default:"1m"`
}

// Whitelist holds the connection whitelist configuration.
type Whitelist struct {
	// betteralign:ignore

	Addresses []string `long:"address" env:"ADDRESSES" env-delim:"," description:"Allowed client address or CIDR, repeatable; empty allows all"`
	Countries []string `long:"country" env:"COUNTRIES" env-delim:"," description:"Allowed ISO country code, repeatable; requires the GeoIP database"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file" default:"drover.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
}

// Storage holds database configuration.
type Storage struct {
	// betteralign:ignore

	Path string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"drover.db"`
}

// Cache holds the player cache configuration. Without an address an
// in-memory cache is used.
type Cache struct {
	// betteralign:ignore

	Address  string        `long:"address" env:"ADDRESS" description:"Redis address (host:port), empty for in-memory cache"`
	Password string        `long:"password" env:"PASSWORD" description:"Redis password"`
	DB       int           `long:"db" env:"DB" description:"Redis database index" default:"0"`
	Prefix   string        `long:"prefix" env:"PREFIX" description:"Key prefix" default:"drover"`
	TTL      time.Duration `long:"ttl" env:"TTL" description:"Player cache entry lifetime" default:"1h"`
}

// Orchestrator holds instance scheduling configuration.
type Orchestrator struct {
	// betteralign:ignore

	Autostart     []string      `long:"autostart" env:"AUTOSTART" env-delim:"," description:"Servers started when a single daemon connects, as pattern[:amount]"`
	PatternsFile  string        `long:"patterns-file" env:"PATTERNS_FILE" description:"YAML file with seed patterns, watched for changes"`
	BasePort      int           `long:"base-port" env:"BASE_PORT" description:"First port assigned to instances on a host" default:"25566"`
	StartTimeout  time.Duration `long:"start-timeout" env:"START_TIMEOUT" description:"How long a daemon may take to bring a server online" default:"2m"`
	ProbeInterval time.Duration `long:"probe-interval" env:"PROBE_INTERVAL" description:"A2S polling interval of online servers, 0 to disable" default:"0s"`
	NoAutostart   bool          `long:"no-autostart" env:"NO_AUTOSTART" description:"Disable autostart"`
	AutoSave      bool          `long:"auto-save" env:"AUTO_SAVE" description:"Ask daemons to archive workspaces back into templates on exit"`
}

// API holds admin HTTP API configuration.
type API struct {
	// betteralign:ignore

	Address        string        `long:"address" env:"ADDRESS" description:"Admin API listen address, empty to disable" default:":8080"`
	AuthToken      string        `short:"t" long:"auth-token" env:"AUTH_TOKEN" description:"Admin authentication token"`
	MaxBodySize    int64         `long:"max-body-size" env:"MAX_BODY_SIZE" description:"Max body size for incoming requests" default:"65536"`
	HardLimitCount int           `long:"rate-count" env:"RATE_COUNT" description:"Requests allowed per IP within the window" default:"60"`
	HardLimitWin   time.Duration `long:"rate-window" env:"RATE_WINDOW" description:"Rate limit window duration" default:"1m"`
	SoftLimitDur   time.Duration `long:"report-soft-limit" env:"REPORT_SOFT_LIMIT" description:"Minimum interval between accepted status reports of one server" default:"10s"`
	TrustProxy     bool          `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
}

// A2S holds Source Query protocol configuration.
type A2S struct {
	// betteralign:ignore

	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Query timeout" default:"3s"`
	BufferSize uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
}

// Connect holds the daemon or proxy connection to the master.
type Connect struct {
	// betteralign:ignore

	Master     string        `short:"m" long:"master" env:"MASTER" description:"Master protocol address" default:"127.0.0.1:7070"`
	Identifier string        `short:"i" long:"identifier" env:"IDENTIFIER" description:"Name announced to the master" default:"node"`
	Retry      time.Duration `long:"retry" env:"RETRY" description:"Delay between connection attempts" default:"5s"`
	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Dial and request timeout" default:"10s"`
}

// Process holds daemon workspace and process configuration.
type Process struct {
	// betteralign:ignore

	ServersDir  string        `long:"servers-dir" env:"SERVERS_DIR" description:"Directory of running server workspaces" default:"servers"`
	PatternsDir string        `long:"patterns-dir" env:"PATTERNS_DIR" description:"Directory of pattern templates" default:"patterns"`
	StartFile   string        `long:"start-file" env:"START_FILE" description:"Executable started inside a workspace" default:"start.sh"`
	ReadyWait   time.Duration `long:"ready-timeout" env:"READY_TIMEOUT" description:"How long a server may take to print its ready line" default:"2m"`
	StopWait    time.Duration `long:"stop-timeout" env:"STOP_TIMEOUT" description:"How long to wait for servers on shutdown before killing them" default:"1m"`
	Workers     int           `long:"sweep-workers" env:"SWEEP_WORKERS" description:"Workers deleting stale workspaces on startup" default:"4"`
	FakePattern string        `long:"fake-pattern" hidden:"true" description:"Write a fake server template for the named pattern and exit"`
}

// ParseMaster reads the master configuration, exiting on help, version or errors.
func ParseMaster() *Master {
	var cfg Master
	exitOnError(parse(&cfg, os.Args[1:]))

	if cfg.API.Address != "" && cfg.API.AuthToken == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-t, --api-auth-token' or environment variable `DROVER_MASTER_API_AUTH_TOKEN` was not specified!")
		os.Exit(1)
	}

	return &cfg
}

// ParseDaemon reads the daemon configuration, exiting on help, version or errors.
func ParseDaemon() *Daemon {
	var cfg Daemon
	exitOnError(parse(&cfg, os.Args[1:]))

	return &cfg
}

// ParseProxy reads the proxy configuration, exiting on help, version or errors.
func ParseProxy() *Proxy {
	var cfg Proxy
	exitOnError(parse(&cfg, os.Args[1:]))

	return &cfg
}

// versioned is implemented by every root configuration.
type versioned interface {
	versionRequested() bool
}

func (c *Master) versionRequested() bool { return c.Version }
func (c *Daemon) versionRequested() bool { return c.Version }
func (c *Proxy) versionRequested() bool  { return c.Version }

// parse fills cfg from args and the environment.
func parse(cfg versioned, args []string) error {
	parser := flags.NewParser(cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	if _, err := parser.ParseArgs(args); err != nil {
		return err
	}

	if cfg.versionRequested() {
		return ErrVersion
	}

	return nil
}

func exitOnError(err error) {
	if err == nil {
		return
	}

	if errors.Is(err, ErrVersion) {
		vars.Print()
		os.Exit(0)
	}

	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
		os.Exit(0)
	}

	os.Exit(1)
}
