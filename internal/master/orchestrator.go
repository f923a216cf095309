// Package master schedules server instances across the connected daemons and
// keeps every proxy in sync with the running fleet.
package master

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/woozymasta/drover/internal/logger"
	"github.com/woozymasta/drover/internal/metrics"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/patterns"
	"github.com/woozymasta/drover/internal/protocol"
)

// Scheduling defaults.
const (
	DefaultBasePort       = 25566
	DefaultStartTimeout   = 2 * time.Minute
	DefaultRequestTimeout = 10 * time.Second
)

var (
	// ErrCapacityDenied is returned when a request would exceed a pattern's max.
	ErrCapacityDenied = errors.New("pattern capacity exceeded")

	// ErrUnknownPattern is returned for pattern names that are not configured.
	ErrUnknownPattern = errors.New("unknown pattern")

	// ErrNoDaemon is returned when no daemon can host a server.
	ErrNoDaemon = errors.New("no daemon available")

	// ErrUnknownInstance is returned for instance ids that are not tracked.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrInvalidAmount is returned for a non-positive server amount.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// PatternStore persists patterns.
type PatternStore interface {
	GetPatterns() ([]models.ServerPattern, error)
	UpsertPattern(p models.ServerPattern) error
	DeletePattern(name string) (bool, error)
}

// Options configure an Orchestrator.
type Options struct {
	// Autostart entries in "pattern[:amount]" form.
	Autostart []string

	// BasePort is the first port assigned on each host.
	BasePort int

	// StartTimeout bounds a ServerRequest, which is answered after readiness.
	StartTimeout time.Duration

	// RequestTimeout bounds every other request sent to daemons.
	RequestTimeout time.Duration

	AutostartEnabled bool

	// AutoSave asks daemons to archive workspaces into their templates on exit.
	AutoSave bool
}

type instance struct {
	models.ServerInstance

	// registered is set once proxies were told about the instance.
	registered bool
}

type plannedStart struct {
	ram      string
	instance models.ServerInstance
}

// Orchestrator owns the pattern and instance tables. All mutations happen
// under one mutex; fleet I/O always happens outside it.
type Orchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc

	fleet Fleet
	store PatternStore
	now   func() time.Time

	patterns  map[string]models.ServerPattern
	instances map[string]*instance

	log       zerolog.Logger
	autostart []AutostartEntry
	opts      Options

	wg sync.WaitGroup
	mu sync.Mutex
}

// New creates an orchestrator. store may be nil to keep patterns in memory only.
func New(fleet Fleet, store PatternStore, opts Options) *Orchestrator {
	if opts.BasePort <= 0 {
		opts.BasePort = DefaultBasePort
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		ctx:       ctx,
		cancel:    cancel,
		fleet:     fleet,
		store:     store,
		now:       time.Now,
		patterns:  make(map[string]models.ServerPattern),
		instances: make(map[string]*instance),
		log:       logger.Component("master"),
		autostart: ParseAutostart(opts.Autostart),
		opts:      opts,
	}
}

// Close abandons outstanding start requests and waits for their goroutines.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// LoadPatterns fills the pattern table from the store.
func (o *Orchestrator) LoadPatterns() error {
	if o.store == nil {
		return nil
	}

	list, err := o.store.GetPatterns()
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}

	o.mu.Lock()
	for _, p := range list {
		o.patterns[p.Name] = p
	}
	o.mu.Unlock()

	o.log.Info().Int("count", len(list)).Msg("Patterns loaded")
	return nil
}

// Evaluate starts servers for every pattern running below its min.
func (o *Orchestrator) Evaluate() {
	daemons := o.fleet.Daemons()

	o.mu.Lock()
	var planned []plannedStart
	if len(daemons) > 0 {
		for _, p := range o.sortedPatternsLocked() {
			deficit := p.Min - o.runningLocked(p.Name)
			for range deficit {
				planned = append(planned, plannedStart{
					instance: o.allocateLocked(p, daemons),
					ram:      p.Ram,
				})
			}
		}
	}
	o.mu.Unlock()

	for _, start := range planned {
		o.dispatchStart(start, "min")
	}
	o.updateMetrics()
}

// RequestServers starts amount instances of a pattern. Nothing changes when
// the pattern max would be exceeded.
func (o *Orchestrator) RequestServers(pattern string, amount int) ([]models.ServerInstance, error) {
	return o.requestServers(pattern, amount, "request")
}

func (o *Orchestrator) requestServers(pattern string, amount int, reason string) ([]models.ServerInstance, error) {
	if amount < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	daemons := o.fleet.Daemons()

	o.mu.Lock()
	p, ok := o.patterns[pattern]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPattern, pattern)
	}

	running := o.runningLocked(pattern)
	if running+amount > p.Max {
		o.mu.Unlock()
		metrics.RecordCapacityDenied(pattern)
		return nil, fmt.Errorf("%w: %s has %d of %d running, %d requested", ErrCapacityDenied, pattern, running, p.Max, amount)
	}

	if len(daemons) == 0 {
		o.mu.Unlock()
		return nil, ErrNoDaemon
	}

	planned := make([]plannedStart, 0, amount)
	for range amount {
		planned = append(planned, plannedStart{instance: o.allocateLocked(p, daemons), ram: p.Ram})
	}
	o.mu.Unlock()

	started := make([]models.ServerInstance, 0, len(planned))
	for _, start := range planned {
		o.dispatchStart(start, reason)
		started = append(started, start.instance)
	}
	o.updateMetrics()

	return started, nil
}

// StopServer marks an instance STOPPING and asks its daemon to stop it. A
// daemon that does not know the instance makes the master forget it too.
func (o *Orchestrator) StopServer(ctx context.Context, instanceID string) error {
	o.mu.Lock()
	inst, ok := o.instances[instanceID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	inst.State = models.StateStopping
	inst.UpdatedAt = o.now()
	daemonID := inst.DaemonID
	name := inst.Name()
	o.mu.Unlock()

	o.log.Info().Str("instance", name).Str("instance_id", instanceID).Msg("Stopping server")

	_, err := o.fleet.Request(ctx, daemonID, &protocol.ServerShutdown{InstanceID: instanceID}, o.opts.RequestTimeout)
	var statusErr *protocol.StatusError
	if errors.As(err, &statusErr) && statusErr.Status == protocol.StatusNotFound {
		o.removeInstances(func(i *instance) bool { return i.InstanceID == instanceID })
		o.Evaluate()
		return fmt.Errorf("%w: %w", ErrUnknownInstance, err)
	}

	return err
}

// DaemonConnected runs autostart for the first daemon and re-evaluates.
func (o *Orchestrator) DaemonConnected(d Daemon) {
	o.log.Info().Uint64("session", d.ID).Str("host", d.Host).Msg("Daemon connected")

	if o.opts.AutostartEnabled && len(o.fleet.Daemons()) == 1 {
		for _, entry := range o.autostart {
			if _, err := o.requestServers(entry.Pattern, entry.Amount, "autostart"); err != nil {
				o.log.Warn().Err(err).Str("pattern", entry.Pattern).Int("amount", entry.Amount).Msg("Autostart request failed")
			}
		}
	}

	o.Evaluate()
}

// DaemonDisconnected forgets every instance hosted by the daemon.
func (o *Orchestrator) DaemonDisconnected(daemonID uint64) {
	removed := o.removeInstances(func(i *instance) bool { return i.DaemonID == daemonID })
	o.log.Info().Uint64("session", daemonID).Int("instances", removed).Msg("Daemon disconnected")

	o.Evaluate()
}

// ServerState applies a lifecycle report from a daemon.
func (o *Orchestrator) ServerState(d Daemon, p *protocol.ServerState) {
	switch p.State {
	case models.StateOnline:
		now := o.now()
		adopt := models.ServerInstance{
			CreatedAt:  now,
			UpdatedAt:  now,
			InstanceID: p.InstanceID,
			Pattern:    p.Pattern,
			Type:       o.patternType(p.Pattern),
			Host:       d.Host,
			DaemonID:   d.ID,
			ID:         p.Num,
			Port:       p.Port,
			State:      models.StateOnline,
		}
		o.markOnline(p.InstanceID, &adopt)

	case models.StateOffline:
		if o.removeInstances(func(i *instance) bool { return i.InstanceID == p.InstanceID }) > 0 {
			o.log.Info().Str("instance", models.InstanceName(p.Pattern, p.Num)).Msg("Server offline")
		}
		o.Evaluate()

	case models.StateStopping:
		o.setStopping(p.InstanceID)

	default:
		o.log.Debug().Str("instance_id", p.InstanceID).Str("state", p.State.String()).Msg("Ignoring server state")
	}
}

// ServerAttempt records that a daemon is about to start or stop an instance.
func (o *Orchestrator) ServerAttempt(d Daemon, p *protocol.ServerAttempt) {
	o.log.Debug().
		Uint64("session", d.ID).
		Str("instance_id", p.InstanceID).
		Str("attempt", p.Type.String()).
		Msg("Server attempt")

	if p.Type == protocol.AttemptShutdown {
		o.setStopping(p.InstanceID)
	}
}

// InfoUpdate stores the reported status of the instance at p.Address and
// forwards it to proxies. It reports whether the instance was found.
func (o *Orchestrator) InfoUpdate(p *protocol.ServerInfoUpdate) bool {
	o.mu.Lock()
	var target *instance
	for _, inst := range o.instances {
		if inst.Address() == p.Address {
			target = inst
			break
		}
	}
	if target == nil {
		o.mu.Unlock()
		o.log.Debug().Str("addr", p.Address).Msg("Info update for unknown server")
		return false
	}

	target.Info = models.ServerInfo{
		Motd:          p.Motd,
		OnlinePlayers: p.OnlinePlayers,
		MaxPlayers:    p.MaxPlayers,
	}
	target.UpdatedAt = o.now()
	registered := target.registered
	o.mu.Unlock()

	if registered {
		o.fleet.Broadcast(models.ClientProxy, p)
	}
	o.Evaluate()

	return true
}

// InvalidatePermission tells every proxy to drop cached permissions for key.
func (o *Orchestrator) InvalidatePermission(scope models.PermissionScope, key string) int {
	sent := o.fleet.Broadcast(models.ClientProxy, &protocol.UpdatePermission{Key: key, Scope: scope})
	o.log.Debug().Str("scope", scope.String()).Str("key", key).Int("proxies", sent).Msg("Permission invalidated")

	return sent
}

// PutPattern validates and stores a pattern. Daemons are told about new
// patterns so they create the template folder.
func (o *Orchestrator) PutPattern(p models.ServerPattern) (bool, error) {
	if err := patterns.Validate(&p); err != nil {
		return false, err
	}

	if o.store != nil {
		if err := o.store.UpsertPattern(p); err != nil {
			return false, fmt.Errorf("store pattern %s: %w", p.Name, err)
		}
	}

	o.mu.Lock()
	_, exists := o.patterns[p.Name]
	o.patterns[p.Name] = p
	o.mu.Unlock()

	if !exists {
		o.fleet.Broadcast(models.ClientDaemon, &protocol.PatternState{Name: p.Name, Created: true})
		o.log.Info().Str("pattern", p.Name).Msg("Pattern created")
	}
	o.Evaluate()

	return !exists, nil
}

// DeletePattern removes a pattern. Running instances are left alone.
func (o *Orchestrator) DeletePattern(name string) (bool, error) {
	if o.store != nil {
		if _, err := o.store.DeletePattern(name); err != nil {
			return false, fmt.Errorf("delete pattern %s: %w", name, err)
		}
	}

	o.mu.Lock()
	_, exists := o.patterns[name]
	delete(o.patterns, name)
	o.mu.Unlock()

	if exists {
		o.fleet.Broadcast(models.ClientDaemon, &protocol.PatternState{Name: name, Created: false})
		o.log.Info().Str("pattern", name).Msg("Pattern deleted")
	}

	return exists, nil
}

// SyncPatterns upserts every pattern of a seed file. Patterns missing from
// the file are kept.
func (o *Orchestrator) SyncPatterns(list []models.ServerPattern) int {
	applied := 0
	for _, p := range list {
		if _, err := o.PutPattern(p); err != nil {
			o.log.Warn().Err(err).Str("pattern", p.Name).Msg("Skipping seed pattern")
			continue
		}
		applied++
	}

	return applied
}

// Patterns returns the patterns ordered by priority, then name.
func (o *Orchestrator) Patterns() []models.ServerPattern {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.sortedPatternsLocked()
}

// Instances returns a snapshot of every tracked instance ordered by pattern and id.
func (o *Orchestrator) Instances() []models.ServerInstance {
	o.mu.Lock()
	list := make([]models.ServerInstance, 0, len(o.instances))
	for _, inst := range o.instances {
		list = append(list, inst.ServerInstance)
	}
	o.mu.Unlock()

	sortInstances(list)
	return list
}

// HasServer reports whether an ONLINE instance has the given name.
func (o *Orchestrator) HasServer(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, inst := range o.instances {
		if inst.State == models.StateOnline && inst.Name() == name {
			return true
		}
	}

	return false
}

// RegisterPackets returns a ServerRegister for every instance known to proxies.
func (o *Orchestrator) RegisterPackets() []protocol.Packet {
	o.mu.Lock()
	list := make([]models.ServerInstance, 0, len(o.instances))
	for _, inst := range o.instances {
		if inst.registered {
			list = append(list, inst.ServerInstance)
		}
	}
	o.mu.Unlock()

	sortInstances(list)

	packets := make([]protocol.Packet, 0, len(list))
	for _, inst := range list {
		packets = append(packets, registerPacket(inst))
	}

	return packets
}

func (o *Orchestrator) dispatchStart(start plannedStart, reason string) {
	inst := start.instance
	metrics.RecordStartRequest(inst.Pattern, reason)

	o.log.Info().
		Str("instance", inst.Name()).
		Str("instance_id", inst.InstanceID).
		Str("addr", inst.Address()).
		Str("reason", reason).
		Msg("Requesting server start")

	req := &protocol.ServerRequest{
		InstanceID: inst.InstanceID,
		Pattern:    inst.Pattern,
		Host:       inst.Host,
		Ram:        start.ram,
		Num:        inst.ID,
		Port:       inst.Port,
		AutoSave:   o.opts.AutoSave,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		if _, err := o.fleet.Request(o.ctx, inst.DaemonID, req, o.opts.StartTimeout); err != nil {
			o.log.Warn().Err(err).Str("instance", inst.Name()).Msg("Server start failed")
			o.dropStarting(inst.InstanceID)
			return
		}

		o.markOnline(inst.InstanceID, nil)
	}()
}

// markOnline moves a STARTING instance to ONLINE and registers it on proxies.
// Unknown ids are adopted when adopt is set. Repeated calls are no-ops.
func (o *Orchestrator) markOnline(instanceID string, adopt *models.ServerInstance) {
	o.mu.Lock()
	inst, ok := o.instances[instanceID]
	switch {
	case !ok && adopt == nil:
		o.mu.Unlock()
		return
	case !ok:
		inst = &instance{ServerInstance: *adopt}
		o.instances[instanceID] = inst
	case inst.State != models.StateStarting:
		o.mu.Unlock()
		return
	}

	inst.State = models.StateOnline
	inst.UpdatedAt = o.now()
	inst.registered = true
	snapshot := inst.ServerInstance
	o.mu.Unlock()

	o.log.Info().
		Str("instance", snapshot.Name()).
		Str("addr", snapshot.Address()).
		Bool("adopted", !ok).
		Msg("Server online")

	o.fleet.Broadcast(models.ClientProxy, registerPacket(snapshot))
	o.Evaluate()
}

// dropStarting forgets an instance whose start failed. It does not
// re-evaluate, so a pattern that cannot start is not retried in a loop.
func (o *Orchestrator) dropStarting(instanceID string) {
	o.mu.Lock()
	if inst, ok := o.instances[instanceID]; ok && inst.State == models.StateStarting {
		delete(o.instances, instanceID)
	}
	o.mu.Unlock()

	o.updateMetrics()
}

func (o *Orchestrator) setStopping(instanceID string) {
	o.mu.Lock()
	if inst, ok := o.instances[instanceID]; ok && inst.State.Running() {
		inst.State = models.StateStopping
		inst.UpdatedAt = o.now()
	}
	o.mu.Unlock()

	o.updateMetrics()
}

// removeInstances deletes matching instances and returns how many were
// deleted. Only instances proxies know about are unregistered.
func (o *Orchestrator) removeInstances(match func(*instance) bool) int {
	o.mu.Lock()
	removed := 0
	var registered []models.ServerInstance
	for id, inst := range o.instances {
		if !match(inst) {
			continue
		}
		delete(o.instances, id)
		removed++
		if inst.registered {
			registered = append(registered, inst.ServerInstance)
		}
	}
	o.mu.Unlock()

	sortInstances(registered)
	for _, inst := range registered {
		o.fleet.Broadcast(models.ClientProxy, &protocol.ServerUnregister{Host: inst.Host, Port: inst.Port})
	}
	o.updateMetrics()

	return removed
}

func (o *Orchestrator) patternType(name string) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.patterns[name]; ok {
		return p.Type
	}

	return models.DefaultPatternType
}

func (o *Orchestrator) runningLocked(pattern string) int {
	running := 0
	for _, inst := range o.instances {
		if inst.Pattern == pattern && inst.State.Running() {
			running++
		}
	}

	return running
}

func (o *Orchestrator) sortedPatternsLocked() []models.ServerPattern {
	list := make([]models.ServerPattern, 0, len(o.patterns))
	for _, p := range o.patterns {
		list = append(list, p)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].Name < list[j].Name
	})

	return list
}

// allocateLocked picks the daemon hosting the fewest instances (ties by
// connection order), the lowest free port on its host and the lowest free
// numeric id of the pattern, then records the instance as STARTING.
func (o *Orchestrator) allocateLocked(p models.ServerPattern, daemons []Daemon) models.ServerInstance {
	hosted := make(map[uint64]int, len(daemons))
	for _, inst := range o.instances {
		hosted[inst.DaemonID]++
	}

	target := daemons[0]
	for _, d := range daemons[1:] {
		if hosted[d.ID] < hosted[target.ID] {
			target = d
		}
	}

	ports := make(map[int]struct{})
	ids := make(map[int]struct{})
	for _, inst := range o.instances {
		if inst.Host == target.Host {
			ports[inst.Port] = struct{}{}
		}
		if inst.Pattern == p.Name {
			ids[inst.ID] = struct{}{}
		}
	}

	port := o.opts.BasePort
	for taken(ports, port) {
		port++
	}
	id := 1
	for taken(ids, id) {
		id++
	}

	now := o.now()
	inst := &instance{ServerInstance: models.ServerInstance{
		CreatedAt:  now,
		UpdatedAt:  now,
		InstanceID: uuid.NewString(),
		Pattern:    p.Name,
		Type:       p.Type,
		Host:       target.Host,
		DaemonID:   target.ID,
		ID:         id,
		Port:       port,
		State:      models.StateStarting,
	}}
	o.instances[inst.InstanceID] = inst

	return inst.ServerInstance
}

func (o *Orchestrator) updateMetrics() {
	o.mu.Lock()
	counts := make(map[[2]string]int)
	for _, inst := range o.instances {
		counts[[2]string{inst.Pattern, inst.State.String()}]++
	}
	o.mu.Unlock()

	metrics.SetInstances(counts)
}

func taken(set map[int]struct{}, v int) bool {
	_, ok := set[v]
	return ok
}

func registerPacket(inst models.ServerInstance) *protocol.ServerRegister {
	return &protocol.ServerRegister{
		Type: inst.Type,
		Name: inst.Pattern,
		Host: inst.Host,
		Motd: inst.Info.Motd,
		Num:  inst.ID,
		Port: inst.Port,
	}
}

func sortInstances(list []models.ServerInstance) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Pattern != list[j].Pattern {
			return list[i].Pattern < list[j].Pattern
		}
		return list[i].ID < list[j].ID
	})
}
