// Package daemon supervises game server processes on one host on behalf of
// the master: it prepares workspaces from pattern templates, starts and stops
// processes, detects readiness from the console and cleans up after exit.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/woozymasta/drover/internal/logger"
	"github.com/woozymasta/drover/internal/metrics"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/protocol"
)

// Process defaults. Flags equal to a default are not passed to the start file.
const (
	DefaultPort = 25565
	DefaultHost = "127.0.0.1"

	// StopCommand is written to the server console to request a clean shutdown.
	StopCommand = "stop"
)

var (
	// ErrSpawn is returned when the operating system could not start the process.
	ErrSpawn = errors.New("failed to spawn server process")

	// ErrAlreadyRunning is returned for a server name that is starting or online.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrNotStartable is returned when the workspace or its start file is missing.
	ErrNotStartable = errors.New("workspace not startable")

	// ErrAttemptNotSent is returned when the master could not be notified of an attempt.
	ErrAttemptNotSent = errors.New("attempt notification not sent")
)

// Notifier delivers packets to the master.
type Notifier interface {
	Send(p protocol.Packet) error
}

// Options configure a Manager.
type Options struct {
	// Copy copies directory trees; CopyDir when nil.
	Copy CopyFunc

	ServersDir  string
	PatternsDir string
	StartFile   string

	// ReadyTimeout kills servers that do not print their ready line in time. Zero disables it.
	ReadyTimeout time.Duration
}

// Server is one supervised server process.
type Server struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}

	InstanceID string
	Pattern    string
	Host       string
	Ram        string
	Dir        string
	ID         int
	Port       int
	AutoSave   bool

	mu    sync.Mutex
	state models.InstanceState
}

// Name returns the workspace name, e.g. "lobby-1".
func (s *Server) Name() string {
	return models.InstanceName(s.Pattern, s.ID)
}

// State returns the current lifecycle state.
func (s *Server) State() models.InstanceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Exited is closed after the process exited and its workspace was cleaned up.
func (s *Server) Exited() <-chan struct{} {
	return s.exited
}

// kill terminates the process if one was spawned.
func (s *Server) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (s *Server) setState(state models.InstanceState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Args returns the start file arguments for the server.
func (s *Server) Args(startFile string) []string {
	args := []string{startFile}

	if s.Port != 0 && s.Port != DefaultPort {
		args = append(args, "-p", strconv.Itoa(s.Port))
	}
	if s.Host != "" && s.Host != DefaultHost {
		args = append(args, "-h", s.Host)
	}
	if s.Ram != "" {
		args = append(args, "-Xmx"+s.Ram)
	}

	return args
}

// Manager owns the servers started on this host.
type Manager struct {
	notifier   Notifier
	servers    map[string]*Server
	patterns   map[string]struct{}
	patternOps chan *protocol.PatternState
	copy       CopyFunc
	log        zerolog.Logger
	opts       Options
	wg         sync.WaitGroup
	mu         sync.Mutex
}

// NewManager creates a manager. notifier is usually the connection to the master.
func NewManager(opts Options, notifier Notifier) *Manager {
	m := &Manager{
		notifier:   notifier,
		servers:    make(map[string]*Server),
		patterns:   make(map[string]struct{}),
		patternOps: make(chan *protocol.PatternState, 64),
		copy:       opts.Copy,
		log:        logger.Component("daemon"),
		opts:       opts,
	}
	if m.copy == nil {
		m.copy = CopyDir
	}
	if m.opts.StartFile == "" {
		m.opts.StartFile = "start.sh"
	}

	return m
}

// NewServer describes a server from a master request. The workspace path is
// derived from the pattern name and id.
func (m *Manager) NewServer(req *protocol.ServerRequest) *Server {
	s := &Server{
		InstanceID: req.InstanceID,
		Pattern:    req.Pattern,
		Host:       req.Host,
		Ram:        req.Ram,
		ID:         req.Num,
		Port:       req.Port,
		AutoSave:   req.AutoSave,
		exited:     make(chan struct{}),
		state:      models.StateOffline,
	}
	s.Dir = m.workspace(s.Name())

	return s
}

// Start launches s. Synchronous failures are returned as errors; once the
// process runs, the channel yields s on readiness or nil when it exits or is
// killed before becoming ready. The channel receives exactly one value, and a
// nil value is only sent after the workspace was cleaned up.
func (m *Manager) Start(s *Server) (<-chan *Server, error) {
	if err := m.notifier.Send(&protocol.ServerAttempt{InstanceID: s.InstanceID, Type: protocol.AttemptStart}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttemptNotSent, err)
	}

	m.mu.Lock()
	if _, exists := m.servers[s.Name()]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, s.Name())
	}
	if err := m.startable(s.Dir); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s.state = models.StateStarting
	m.servers[s.Name()] = s
	m.mu.Unlock()

	stdout, err := m.spawn(s)
	if err != nil {
		m.forget(s)
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, s.Name(), err)
	}

	m.log.Info().
		Str("instance", s.Name()).
		Str("instance_id", s.InstanceID).
		Int("pid", s.cmd.Process.Pid).
		Msg("Server process started")

	result := make(chan *Server, 1)
	m.wg.Add(1)
	go m.supervise(s, stdout, result)

	return result, nil
}

// spawn starts the process. On error nothing is left running.
func (m *Manager) spawn(s *Server) (io.ReadCloser, error) {
	dir, err := filepath.Abs(s.Dir)
	if err != nil {
		return nil, err
	}

	args := s.Args(m.opts.StartFile)
	cmd := exec.Command(filepath.Join(dir, m.opts.StartFile), args[1:]...) //nolint:gosec
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.mu.Unlock()

	return stdout, nil
}

// supervise reads the console until the process closes it, waits for the
// exit and cleans up.
func (m *Manager) supervise(s *Server, stdout io.Reader, result chan<- *Server) {
	defer m.wg.Done()

	var readyTimer *time.Timer
	if m.opts.ReadyTimeout > 0 {
		readyTimer = time.AfterFunc(m.opts.ReadyTimeout, func() {
			if s.State() == models.StateStarting {
				m.log.Warn().Str("instance", s.Name()).Dur("timeout", m.opts.ReadyTimeout).Msg("Server not ready in time, killing")
				s.kill()
			}
		})
	}

	ready := readConsole(stdout, m.log.With().Str("instance", s.Name()).Logger(), func() bool {
		if !m.markOnline(s) {
			return false
		}
		if readyTimer != nil {
			readyTimer.Stop()
		}
		result <- s
		return true
	})

	err := s.cmd.Wait()
	if readyTimer != nil {
		readyTimer.Stop()
	}

	m.finish(s, err)
	if !ready {
		result <- nil
	}
}

// markOnline moves a starting server online and notifies the master.
func (m *Manager) markOnline(s *Server) bool {
	s.mu.Lock()
	if s.state != models.StateStarting {
		s.mu.Unlock()
		return false
	}
	s.state = models.StateOnline
	s.mu.Unlock()

	m.log.Info().Str("instance", s.Name()).Int("port", s.Port).Msg("Server online")
	m.notifyState(s, models.StateOnline)

	return true
}

// finish cleans up after an exit. The name stays taken until the workspace
// is gone, so a new server can never be prepared into it meanwhile.
func (m *Manager) finish(s *Server, waitErr error) {
	s.setState(models.StateOffline)
	_ = s.stdin.Close()
	metrics.RecordProcessExit(s.Pattern)

	event := m.log.Info()
	if waitErr != nil {
		event = m.log.Warn().Err(waitErr)
	}
	event.Str("instance", s.Name()).Msg("Server process exited")

	m.cleanup(s)
	m.forget(s)
	m.notifyState(s, models.StateOffline)
	close(s.exited)
}

func (m *Manager) notifyState(s *Server, state models.InstanceState) {
	err := m.notifier.Send(&protocol.ServerState{
		InstanceID: s.InstanceID,
		Pattern:    s.Pattern,
		Host:       s.Host,
		Num:        s.ID,
		Port:       s.Port,
		State:      state,
	})
	if err != nil {
		m.log.Warn().Err(err).Str("instance", s.Name()).Str("state", state.String()).Msg("Failed to report server state")
	}
}

// Stop asks an online server to shut down. It returns false without writing
// anything when the server is not online. Exit and cleanup happen in the
// supervisor.
func (m *Manager) Stop(s *Server) bool {
	if err := m.notifier.Send(&protocol.ServerAttempt{InstanceID: s.InstanceID, Type: protocol.AttemptShutdown}); err != nil {
		m.log.Debug().Err(err).Str("instance", s.Name()).Msg("Shutdown attempt not reported")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.StateOnline {
		return false
	}

	if _, err := io.WriteString(s.stdin, StopCommand+"\n"); err != nil {
		m.log.Warn().Err(err).Str("instance", s.Name()).Msg("Failed to write stop command")
		return false
	}
	s.state = models.StateStopping

	return true
}

// StopAll stops every online server and waits for all supervisors. Servers
// still running when ctx ends are killed.
func (m *Manager) StopAll(ctx context.Context) {
	for _, s := range m.Servers() {
		m.Stop(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	for _, s := range m.Servers() {
		m.log.Warn().Str("instance", s.Name()).Msg("Killing server after shutdown timeout")
		s.kill()
	}
	<-done
}

// Servers returns the started servers ordered by name.
func (m *Manager) Servers() []*Server {
	m.mu.Lock()
	list := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		list = append(list, s)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// ByInstance finds a started server by master instance id.
func (m *Manager) ByInstance(instanceID string) (*Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.servers {
		if s.InstanceID == instanceID {
			return s, true
		}
	}

	return nil, false
}

func (m *Manager) running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.servers[name]
	return ok
}

func (m *Manager) forget(s *Server) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.servers[s.Name()] == s {
		delete(m.servers, s.Name())
	}
}

func (m *Manager) workspace(name string) string {
	return filepath.Join(m.opts.ServersDir, name)
}

// RefreshPatterns rescans the template directory.
func (m *Manager) RefreshPatterns() error {
	entries, err := os.ReadDir(m.opts.PatternsDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	found := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && filepath.Ext(entry.Name()) != ".archive" {
			found[entry.Name()] = struct{}{}
		}
	}

	m.mu.Lock()
	m.patterns = found
	m.mu.Unlock()

	return nil
}

// Patterns returns the cached template names.
func (m *Manager) Patterns() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.patterns))
	for name := range m.patterns {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	return names
}

// ApplyPatternState creates or deletes a template folder and refreshes the cache.
func (m *Manager) ApplyPatternState(name string, created bool) error {
	dir := filepath.Join(m.opts.PatternsDir, filepath.Base(name))

	var err error
	if created {
		err = os.MkdirAll(dir, 0o755)
	} else {
		err = os.RemoveAll(dir)
	}
	if err != nil {
		return err
	}

	return m.RefreshPatterns()
}
