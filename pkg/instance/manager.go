// Package instance implements a host for multiple
// (membership.Engine, coordinator.Coordinator) pairs sharing a UDP port
// pool.
package instance

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mcastellin/meshd/pkg/coordinator"
	"github.com/mcastellin/meshd/pkg/membership"
)

// maxInstances bounds the manager's owned set.
const maxInstances = 16

// CreateOptions configures a new Instance.
type CreateOptions struct {
	NodeID string

	// MembershipPort and AppPort are allocated from the pool when zero.
	MembershipPort int
	AppPort        int

	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	SuspectTimeout time.Duration

	StartAsMain bool
	AutoStart   bool

	// SeedAddress/SeedPort, when SeedAddress is non-empty, are joined by
	// Create right after it auto-starts the Engine. They are ignored when
	// AutoStart is false; a later Start does not join them.
	SeedAddress string
	SeedPort    int

	OnTaskComplete func(taskID string, success bool)
	OnBecomeLeader func()
}

// Instance is one owned (Engine, Coordinator) pair.
type Instance struct {
	NodeID         string
	MembershipPort int
	AppPort        int

	Engine      *membership.Engine
	Coordinator *coordinator.Coordinator

	running   bool
	startedAt time.Time
	uptime    time.Duration
}

// Stats mirrors the Instance Manager's aggregate counters.
type Stats struct {
	Total         int
	Running       int
	TotalMessages uint64
	TotalUptime   time.Duration
}

// ErrPortPoolExhausted is returned by Create when allocatePortLocked finds
// no free port left in the configured range.
var ErrPortPoolExhausted = fmt.Errorf("instance: port pool exhausted")

// ErrTooManyInstances is returned when Create would exceed maxInstances.
var ErrTooManyInstances = fmt.Errorf("instance: manager already owns %d instances", maxInstances)

// ErrUnknownInstance is returned by start/stop/remove for an unregistered NodeID.
var ErrUnknownInstance = fmt.Errorf("instance: unknown node id")

// Manager owns a set of Instances and their shared UDP port pool.
type Manager struct {
	serverID   string
	rangeStart int
	rangeEnd   int
	logger     *zap.Logger

	mu            sync.Mutex
	instances     map[string]*Instance
	nextAvailable int
}

// NewManager constructs a Manager with the configured port range.
// Defaults to {7946, 8046} when start/end are both zero.
func NewManager(serverID string, start, end int, logger *zap.Logger) *Manager {
	if start == 0 && end == 0 {
		start, end = 7946, 8046
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		serverID:      serverID,
		rangeStart:    start,
		rangeEnd:      end,
		logger:        logger,
		instances:     map[string]*Instance{},
		nextAvailable: start,
	}
}

// allocatePortLocked returns the next unused port in [rangeStart, rangeEnd)
// by cyclic linear scan from the cursor, or 0 when none is free. Caller
// must hold m.mu.
func (m *Manager) allocatePortLocked() int {
	used := map[int]bool{}
	for _, in := range m.instances {
		used[in.MembershipPort] = true
		used[in.AppPort] = true
	}

	span := m.rangeEnd - m.rangeStart
	for i := 0; i < span; i++ {
		candidate := m.rangeStart + (m.nextAvailable-m.rangeStart+i)%span
		if !used[candidate] {
			m.nextAvailable = candidate + 1
			return candidate
		}
	}
	return 0
}

// Create allocates ports if unspecified, constructs an Engine and
// Coordinator, and optionally starts and joins a seed.
func (m *Manager) Create(opts CreateOptions) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.instances) >= maxInstances {
		return nil, ErrTooManyInstances
	}
	if _, exists := m.instances[opts.NodeID]; exists {
		return nil, fmt.Errorf("instance: node id %q already exists", opts.NodeID)
	}

	membershipPort := opts.MembershipPort
	if membershipPort == 0 {
		membershipPort = m.allocatePortLocked()
		if membershipPort == 0 {
			return nil, ErrPortPoolExhausted
		}
	}
	appPort := opts.AppPort
	if appPort == 0 {
		appPort = m.allocatePortLocked()
		if appPort == 0 {
			return nil, ErrPortPoolExhausted
		}
	}

	cfg := membership.DefaultConfig(opts.NodeID, membershipPort)
	if opts.GossipInterval > 0 {
		cfg.GossipInterval = opts.GossipInterval
	}
	if opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = opts.ProbeTimeout
	}
	if opts.SuspectTimeout > 0 {
		cfg.SuspectTimeout = opts.SuspectTimeout
	}
	cfg.Logger = m.logger

	engine, err := membership.New(cfg)
	if err != nil {
		return nil, err
	}

	coord := coordinator.New(coordinator.Config{
		LocalID:        opts.NodeID,
		StartAsMain:    opts.StartAsMain,
		Engine:         engine,
		Logger:         m.logger,
		OnTaskComplete: opts.OnTaskComplete,
		OnBecomeLeader: opts.OnBecomeLeader,
	})

	in := &Instance{
		NodeID:         opts.NodeID,
		MembershipPort: membershipPort,
		AppPort:        appPort,
		Engine:         engine,
		Coordinator:    coord,
	}
	m.instances[opts.NodeID] = in

	if opts.AutoStart {
		in.Engine.Start()
		in.running = true
		in.startedAt = time.Now()
		if opts.SeedAddress != "" {
			in.Engine.Join(opts.SeedAddress, opts.SeedPort)
		}
	}

	return in, nil
}

// Start begins an owned Instance's Engine. running/startedAt are set
// under m.mu before the lock is released for the non-blocking
// Engine.Start call, so a concurrent Stats never observes a torn read.
func (m *Manager) Start(nodeID string) error {
	m.mu.Lock()
	in, ok := m.instances[nodeID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownInstance
	}
	if in.running {
		m.mu.Unlock()
		return fmt.Errorf("instance: %q already running", nodeID)
	}
	in.running = true
	in.startedAt = time.Now()
	m.mu.Unlock()

	in.Engine.Start()
	return nil
}

// Stop halts an owned Instance's Engine. running is cleared under m.mu
// before the lock is released for the blocking Engine.Stop call; uptime
// is accumulated under m.mu again once it returns.
func (m *Manager) Stop(nodeID string) error {
	m.mu.Lock()
	in, ok := m.instances[nodeID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownInstance
	}
	if !in.running {
		m.mu.Unlock()
		return fmt.Errorf("instance: %q not running", nodeID)
	}
	in.running = false
	m.mu.Unlock()

	err := in.Engine.Stop()

	m.mu.Lock()
	in.uptime += time.Since(in.startedAt)
	m.mu.Unlock()
	return err
}

// Remove stops (if running) and forgets an Instance.
func (m *Manager) Remove(nodeID string) error {
	m.mu.Lock()
	in, ok := m.instances[nodeID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownInstance
	}
	running := in.running
	m.mu.Unlock()

	if running {
		if err := m.Stop(nodeID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.instances, nodeID)
	m.mu.Unlock()
	return nil
}

// StartAll starts every owned, non-running Instance.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs error
	for _, id := range ids {
		if err := m.Start(id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// StopAll stops every owned, running Instance, collecting every failure
// with go.uber.org/multierr rather than returning only the first.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs error
	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Tick drives every running Instance's Engine and Coordinator by one
// step. Each Engine also drains its socket and runs gossip rounds on the
// dedicated worker goroutine started by Engine.Start; the manager-level
// Engine.Tick call here is a deliberately redundant second receive path
// rather than a replacement for it, mirroring node_manager_process's
// unconditional swim_process call alongside each node's own worker
// thread. The manager lock is released before invoking instance methods.
func (m *Manager) Tick() {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		if in.running {
			instances = append(instances, in)
		}
	}
	m.mu.Unlock()

	for _, in := range instances {
		in.Engine.Tick()
		in.Coordinator.Tick()
	}
}

// Stats returns (total, running, total_messages, total_uptime). Held
// under m.mu throughout: Engine.GetStats is a quick mutex-guarded copy,
// not a blocking call, so there's nothing to release the lock around.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	s.Total = len(m.instances)
	for _, in := range m.instances {
		if in.running {
			s.Running++
			s.TotalUptime += time.Since(in.startedAt)
		}
		s.TotalUptime += in.uptime
		s.TotalMessages += in.Engine.GetStats().MessagesReceived
	}
	return s
}

// Get returns the Instance registered under nodeID, if any.
func (m *Manager) Get(nodeID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[nodeID]
	return in, ok
}

// List returns every owned Instance's NodeID.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.instances))
	for id := range m.instances {
		out = append(out, id)
	}
	return out
}
