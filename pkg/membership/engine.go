// Package membership implements a SWIM-style gossip failure detector: a
// per-instance UDP membership table with direct + indirect probing and
// anti-entropy Sync dissemination.
package membership

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config carries the engine's tunables, all with documented defaults.
type Config struct {
	LocalID string
	Port    int

	GossipInterval  time.Duration
	ProbeTimeout    time.Duration
	SuspectTimeout  time.Duration
	IndirectFanout  int
	SyncEvery       int
	SyncCap         int

	Logger *zap.Logger
}

// DefaultConfig fills in the tunable defaults, leaving LocalID and Port
// for the caller to set.
func DefaultConfig(localID string, port int) Config {
	return Config{
		LocalID:        localID,
		Port:           port,
		GossipInterval: time.Second,
		ProbeTimeout:   500 * time.Millisecond,
		SuspectTimeout: 5 * time.Second,
		IndirectFanout: 3,
		SyncEvery:      5,
		SyncCap:        50,
	}
}

type pendingProbe struct {
	targetID string
	sentAt   time.Time
}

type relayedProbe struct {
	sourceID   string
	sourceAddr *net.UDPAddr
	targetID   string
	originalSeq uint32
}

// Engine is a single membership instance's failure detector and gossip
// worker.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	conn *net.UDPConn

	mu    sync.RWMutex
	nodes map[string]*Node
	stats Stats
	round uint64

	seq atomic.Uint32

	pendingDirect  map[uint32]pendingProbe
	pendingIndirect map[uint32]pendingProbe
	outstandingRelay map[uint32]relayedProbe

	onNodeEvent func(NodeEvent)
	onMessage   func(from string, payload []byte)

	runningMu sync.RWMutex
	running   bool

	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// ErrSocketBind is returned by New when the UDP socket cannot be bound.
type ErrSocketBind struct{ Err error }

func (e *ErrSocketBind) Error() string { return fmt.Sprintf("membership: socket bind: %v", e.Err) }
func (e *ErrSocketBind) Unwrap() error { return e.Err }

// New opens a UDP socket and registers the local node.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.GossipInterval == 0 {
		cfg.GossipInterval = time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.SuspectTimeout == 0 {
		cfg.SuspectTimeout = 5 * time.Second
	}
	if cfg.IndirectFanout == 0 {
		cfg.IndirectFanout = 3
	}
	if cfg.SyncEvery == 0 {
		cfg.SyncEvery = 5
	}
	if cfg.SyncCap == 0 {
		cfg.SyncCap = 50
	}

	addr := &net.UDPAddr{IP: net.IPv4zero, Port: cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, &ErrSocketBind{Err: err}
	}

	e := &Engine{
		cfg:              cfg,
		logger:           cfg.Logger,
		conn:             conn,
		nodes:            map[string]*Node{},
		pendingDirect:    map[uint32]pendingProbe{},
		pendingIndirect:  map[uint32]pendingProbe{},
		outstandingRelay: map[uint32]relayedProbe{},
	}

	now := time.Now()
	e.nodes[cfg.LocalID] = &Node{
		ID:             cfg.LocalID,
		State:          Alive,
		Incarnation:    1,
		LastSeen:       now,
		StateChangedAt: now,
		IsLocal:        true,
	}

	return e, nil
}

// OnNodeEvent registers the node-transition callback.
func (e *Engine) OnNodeEvent(fn func(NodeEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNodeEvent = fn
}

// OnMessage registers the application-message callback.
func (e *Engine) OnMessage(fn func(from string, payload []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = fn
}

// Start spawns the internal worker that repeats {drain incoming datagrams;
// gossip round} at cfg.GossipInterval.
func (e *Engine) Start() {
	e.runningMu.Lock()
	if e.running {
		e.runningMu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.runningMu.Unlock()

	go e.run()
}

func (e *Engine) run() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.drainIncoming()
			e.gossipRound()
		}
	}
}

// Stop requests termination and waits for the worker to exit, bounded to
// 5s.
func (e *Engine) Stop() error {
	e.runningMu.Lock()
	if !e.running {
		e.runningMu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.runningMu.Unlock()

	select {
	case <-e.doneCh:
	case <-time.After(5 * time.Second):
		e.logger.Warn("membership: worker did not exit within bound", zap.String("id", e.cfg.LocalID))
	}
	e.wg.Wait()
	return e.conn.Close()
}

// Tick drains any datagrams waiting on the socket. It exists for a caller
// that drives a set of engines from an external loop (the instance
// manager's own Tick) in addition to each engine's own worker goroutine
// started by Start — the two receive paths run concurrently and
// redundantly by design, not in place of one another.
func (e *Engine) Tick() {
	e.drainIncoming()
}

// drainIncoming reads datagrams until the socket has nothing left to
// offer. A short read deadline approximates a non-blocking recvfrom
// without requiring platform-specific syscalls.
func (e *Engine) drainIncoming() {
	buf := make([]byte, 65535)
	for {
		e.conn.SetReadDeadline(time.Now().Add(2 * time.Millisecond))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		e.handleFrame(data, addr)
	}
}

// Join inserts a synthetic seed node and sends it a Ping and a full Sync.
func (e *Engine) Join(address string, port int) {
	seedID := fmt.Sprintf("seed-%s:%d", address, port)
	now := time.Now()

	e.mu.Lock()
	if _, ok := e.nodes[seedID]; !ok {
		e.nodes[seedID] = &Node{
			ID:             seedID,
			Address:        address,
			Port:           uint16(port),
			State:          Alive,
			Incarnation:    0,
			LastSeen:       now,
			StateChangedAt: now,
		}
	}
	e.mu.Unlock()

	addr := &net.UDPAddr{IP: net.ParseIP(address), Port: port}
	if addr.IP == nil {
		if resolved, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", address, port)); err == nil {
			addr = resolved
		}
	}

	seq := e.nextSeq()
	e.sendFrame(addr, frame{
		header: header{Type: MsgPing, Seq: seq, SenderID: e.cfg.LocalID, Incarnation: e.localIncarnation()},
		TargetID: seedID,
	})

	e.sendFullSync(addr)
}

// Leave transitions the local node to Left and broadcasts a final Sync to
// every currently-Alive peer.
func (e *Engine) Leave() {
	e.mu.Lock()
	local := e.nodes[e.cfg.LocalID]
	old := local.State
	local.State = Left
	local.StateChangedAt = time.Now()
	targets := e.aliveAddrsLocked(e.cfg.LocalID)
	e.mu.Unlock()

	e.fireNodeEvent(*local, old, Left)

	for _, addr := range targets {
		e.sendFullSync(addr)
	}
}

// Broadcast sends an opaque application datagram to every known Alive
// peer. The engine applies no framing beyond the fixed header; bytes
// travel as-is in the Compound payload.
func (e *Engine) Broadcast(payload []byte) {
	e.mu.RLock()
	targets := e.aliveAddrsLocked(e.cfg.LocalID)
	e.mu.RUnlock()

	for _, addr := range targets {
		e.sendCompound(addr, payload)
	}
}

// SendTo sends an opaque application datagram to a single named node.
func (e *Engine) SendTo(nodeID string, payload []byte) error {
	e.mu.RLock()
	n, ok := e.nodes[nodeID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("membership: unknown node %q", nodeID)
	}
	e.sendCompound(n.udpAddr(), payload)
	return nil
}

func (n *Node) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(n.Address), Port: int(n.Port)}
}

func (e *Engine) sendCompound(addr *net.UDPAddr, payload []byte) {
	e.sendFrame(addr, frame{
		header:     header{Type: MsgCompound, Seq: e.nextSeq(), SenderID: e.cfg.LocalID, Incarnation: e.localIncarnation()},
		AppPayload: payload,
	})
}

// GetNodes returns a snapshot of every known node.
func (e *Engine) GetNodes() []Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Node, 0, len(e.nodes))
	for _, n := range e.nodes {
		out = append(out, *n)
	}
	return out
}

// CountByState counts nodes in the given state.
func (e *Engine) CountByState(s State) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := 0
	for _, n := range e.nodes {
		if n.State == s {
			c++
		}
	}
	return c
}

// Find returns a copy of the node record for id.
func (e *Engine) Find(id string) (Node, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// GetLocal returns a copy of the local node record.
func (e *Engine) GetLocal() Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *e.nodes[e.cfg.LocalID]
}

// LocalAddr returns the UDP address the engine is actually bound to,
// which may differ from Config.Port when it was given as 0.
func (e *Engine) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// SetMain flips the local is_main mirror. Every call bumps the local
// incarnation by 1: a call pair set_main(true); set_main(false) leaves
// is_main=false and bumps local incarnation by 2. Incarnation increases on
// every locally observable change to the local node, not only on
// self-refutation of a Suspect report (see DESIGN.md).
func (e *Engine) SetMain(isMain bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	local := e.nodes[e.cfg.LocalID]
	local.IsMain = isMain
	local.Incarnation++
}

// GetStats returns a snapshot of the engine's counters.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

func (e *Engine) localIncarnation() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodes[e.cfg.LocalID].Incarnation
}

func (e *Engine) nextSeq() uint32 {
	return e.seq.Add(1)
}

// aliveAddrsLocked must be called with e.mu held (read or write).
func (e *Engine) aliveAddrsLocked(excludeID string) []*net.UDPAddr {
	var out []*net.UDPAddr
	for id, n := range e.nodes {
		if id == excludeID || n.State != Alive {
			continue
		}
		out = append(out, n.udpAddr())
	}
	return out
}

func (e *Engine) fireNodeEvent(n Node, old, newState State) {
	e.logger.Debug("membership: state transition",
		zap.String("id", n.ID), zap.Stringer("from", old), zap.Stringer("to", newState))
	e.mu.RLock()
	cb := e.onNodeEvent
	e.mu.RUnlock()
	if cb != nil {
		cb(NodeEvent{Node: n, OldState: old, NewState: newState})
	}
}

func (e *Engine) fireMessage(from string, payload []byte) {
	e.mu.RLock()
	cb := e.onMessage
	e.mu.RUnlock()
	if cb != nil {
		cb(from, payload)
	}
}

func (e *Engine) sendFrame(addr *net.UDPAddr, f frame) {
	buf, err := encodeFrame(f)
	if err != nil {
		e.logger.Warn("membership: encode failed", zap.Error(err))
		return
	}
	if _, err := e.conn.WriteToUDP(buf, addr); err != nil {
		e.mu.Lock()
		e.stats.SendErrors++
		e.mu.Unlock()
		e.logger.Debug("membership: send failed", zap.Stringer("type", f.Type), zap.Error(err))
		return
	}
	e.mu.Lock()
	e.stats.MessagesSent++
	e.mu.Unlock()
}

func (e *Engine) sendFullSync(addr *net.UDPAddr) {
	e.mu.RLock()
	records := make([]syncRecord, 0, len(e.nodes))
	for _, n := range e.nodes {
		records = append(records, syncRecord{
			ID: n.ID, Address: n.Address, Port: n.Port,
			State: n.State, Incarnation: n.Incarnation, IsMain: n.IsMain,
		})
		if len(records) >= e.cfg.SyncCap {
			break
		}
	}
	e.mu.RUnlock()

	e.sendFrame(addr, frame{
		header:  header{Type: MsgSync, Seq: e.nextSeq(), SenderID: e.cfg.LocalID, Incarnation: e.localIncarnation()},
		Updates: records,
	})
	e.mu.Lock()
	e.stats.SyncRounds++
	e.mu.Unlock()
}

// gossipRound runs one iteration of the probe/gossip round: timeout
// scan, probe target selection, direct probe, anti-entropy.
func (e *Engine) gossipRound() {
	now := time.Now()
	e.runTimeoutScan(now)

	target, targetAddr := e.pickProbeTarget()
	if target == "" {
		return
	}

	seq := e.nextSeq()
	e.mu.Lock()
	if n, ok := e.nodes[target]; ok {
		n.ProbeSeq = seq
	}
	e.pendingDirect[seq] = pendingProbe{targetID: target, sentAt: now}
	e.round++
	round := e.round
	e.mu.Unlock()

	e.sendFrame(targetAddr, frame{
		header:   header{Type: MsgPing, Seq: seq, SenderID: e.cfg.LocalID, Incarnation: e.localIncarnation()},
		TargetID: target,
	})
	e.mu.Lock()
	e.stats.ProbesSent++
	e.mu.Unlock()

	e.scheduleIndirectEscalation(seq, target)

	if round%uint64(e.cfg.SyncEvery) == 0 {
		e.sendFullSync(targetAddr)
	}
}

func (e *Engine) runTimeoutScan(now time.Time) {
	e.mu.Lock()
	var events []NodeEvent
	for id, n := range e.nodes {
		if id == e.cfg.LocalID {
			continue
		}
		dt := now.Sub(n.LastSeen)
		switch n.State {
		case Alive:
			if dt > e.cfg.ProbeTimeout {
				old := n.State
				n.State = Suspect
				n.StateChangedAt = now
				e.stats.ProbeFailures++
				events = append(events, NodeEvent{Node: *n, OldState: old, NewState: Suspect})
			}
		case Suspect:
			if dt > e.cfg.SuspectTimeout {
				old := n.State
				n.State = Dead
				n.StateChangedAt = now
				events = append(events, NodeEvent{Node: *n, OldState: old, NewState: Dead})
			}
		}
	}
	e.mu.Unlock()

	for _, ev := range events {
		e.fireNodeEvent(ev.Node, ev.OldState, ev.NewState)
	}
}

func (e *Engine) pickProbeTarget() (string, *net.UDPAddr) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var candidates []*Node
	for id, n := range e.nodes {
		if id == e.cfg.LocalID {
			continue
		}
		if n.State == Alive || n.State == Suspect {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	pick := candidates[rand.Intn(len(candidates))]
	return pick.ID, pick.udpAddr()
}

// scheduleIndirectEscalation forwards a PingReq to indirect_fanout
// randomly chosen Alive peers once probe_timeout has passed with the
// direct probe still unacked. It does not hold back the Suspect
// transition: runTimeoutScan marks the target Suspect from last_seen
// alone, and a relayed Ack only returns it from Suspect to Alive.
func (e *Engine) scheduleIndirectEscalation(directSeq uint32, target string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(e.cfg.ProbeTimeout)
		defer timer.Stop()
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
		}

		e.mu.Lock()
		_, stillPending := e.pendingDirect[directSeq]
		if !stillPending {
			e.mu.Unlock()
			return
		}
		relays := e.pickIndirectRelaysLocked(target, e.cfg.IndirectFanout)
		e.pendingIndirect[directSeq] = pendingProbe{targetID: target, sentAt: time.Now()}
		e.mu.Unlock()

		for _, addr := range relays {
			e.sendFrame(addr, frame{
				header:   header{Type: MsgPingReq, Seq: directSeq, SenderID: e.cfg.LocalID, Incarnation: e.localIncarnation()},
				TargetID: target,
				SourceID: e.cfg.LocalID,
			})
		}
	}()
}

func (e *Engine) pickIndirectRelaysLocked(excludeID string, k int) []*net.UDPAddr {
	var pool []*Node
	for id, n := range e.nodes {
		if id == e.cfg.LocalID || id == excludeID || n.State != Alive {
			continue
		}
		pool = append(pool, n)
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if k > len(pool) {
		k = len(pool)
	}
	out := make([]*net.UDPAddr, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, pool[i].udpAddr())
	}
	return out
}

// handleFrame processes a single inbound datagram.
func (e *Engine) handleFrame(data []byte, addr *net.UDPAddr) {
	f, err := decodeFrame(data)
	if err != nil {
		e.mu.Lock()
		e.stats.DroppedMalformed++
		e.mu.Unlock()
		e.logger.Debug("membership: dropped malformed datagram", zap.Error(err))
		return
	}

	e.mu.Lock()
	e.stats.MessagesReceived++
	e.mu.Unlock()

	if f.SenderID != "" && f.SenderID != e.cfg.LocalID {
		e.refreshSender(f, addr)
	}

	switch f.Type {
	case MsgPing:
		e.handlePing(f, addr)
	case MsgPingReq:
		e.handlePingReq(f, addr)
	case MsgAck:
		e.handleAck(f, addr)
	case MsgSync:
		e.handleSync(f)
	case MsgCompound:
		e.fireMessage(f.SenderID, f.AppPayload)
	}
}

func (e *Engine) refreshSender(f frame, addr *net.UDPAddr) {
	now := time.Now()
	e.mu.Lock()
	n, ok := e.nodes[f.SenderID]
	if !ok {
		if f.Type == MsgSync || len(e.nodes) >= maxNodes {
			e.mu.Unlock()
			return
		}
		e.nodes[f.SenderID] = &Node{
			ID: f.SenderID, Address: addr.IP.String(), Port: uint16(addr.Port),
			State: Alive, Incarnation: f.Incarnation, LastSeen: now, StateChangedAt: now,
		}
		e.mu.Unlock()
		return
	}
	old := n.State
	n.LastSeen = now
	if f.Incarnation > n.Incarnation {
		n.Incarnation = f.Incarnation
	}
	var event *NodeEvent
	if old != Alive {
		n.State = Alive
		n.StateChangedAt = now
		event = &NodeEvent{Node: *n, OldState: old, NewState: Alive}
	}
	e.mu.Unlock()
	if event != nil {
		e.fireNodeEvent(event.Node, event.OldState, event.NewState)
	}
}

func (e *Engine) handlePing(f frame, addr *net.UDPAddr) {
	e.sendFrame(addr, frame{
		header:   header{Type: MsgAck, Seq: f.Seq, SenderID: e.cfg.LocalID, Incarnation: e.localIncarnation()},
		TargetID: f.TargetID,
	})
}

func (e *Engine) handlePingReq(f frame, addr *net.UDPAddr) {
	e.mu.RLock()
	target, ok := e.nodes[f.TargetID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	relaySeq := e.nextSeq()
	e.mu.Lock()
	e.outstandingRelay[relaySeq] = relayedProbe{
		sourceID: f.SourceID, sourceAddr: addr, targetID: f.TargetID, originalSeq: f.Seq,
	}
	e.mu.Unlock()

	e.sendFrame(target.udpAddr(), frame{
		header:   header{Type: MsgPing, Seq: relaySeq, SenderID: e.cfg.LocalID, Incarnation: e.localIncarnation()},
		TargetID: f.TargetID,
	})
}

func (e *Engine) handleAck(f frame, addr *net.UDPAddr) {
	e.mu.Lock()
	e.stats.ProbesAcked++

	if n, ok := e.nodes[f.SenderID]; ok && n.State == Suspect {
		old := n.State
		n.State = Alive
		n.StateChangedAt = time.Now()
		n.ProbeSeq = 0
		e.mu.Unlock()
		e.fireNodeEvent(*n, old, Alive)
		e.mu.Lock()
	}

	delete(e.pendingDirect, f.Seq)

	if pend, ok := e.pendingIndirect[f.Seq]; ok {
		delete(e.pendingIndirect, f.Seq)
		if n, ok := e.nodes[pend.targetID]; ok && n.State == Suspect {
			old := n.State
			n.State = Alive
			n.StateChangedAt = time.Now()
			e.mu.Unlock()
			e.fireNodeEvent(*n, old, Alive)
			e.mu.Lock()
		}
	}

	relay, isRelay := e.outstandingRelay[f.Seq]
	if isRelay {
		delete(e.outstandingRelay, f.Seq)
	}
	e.mu.Unlock()

	if isRelay {
		e.sendFrame(relay.sourceAddr, frame{
			header:   header{Type: MsgAck, Seq: relay.originalSeq, SenderID: e.cfg.LocalID, Incarnation: e.localIncarnation()},
			TargetID: f.TargetID,
		})
	}
}

func (e *Engine) handleSync(f frame) {
	var events []NodeEvent
	now := time.Now()

	e.mu.Lock()
	for _, rec := range f.Updates {
		if rec.ID == e.cfg.LocalID {
			local := e.nodes[e.cfg.LocalID]
			if rec.Incarnation >= local.Incarnation {
				local.Incarnation = rec.Incarnation + 1
			}
			continue
		}

		existing, ok := e.nodes[rec.ID]
		if !ok {
			if len(e.nodes) >= maxNodes {
				continue
			}
			e.nodes[rec.ID] = &Node{
				ID: rec.ID, Address: rec.Address, Port: rec.Port,
				State: rec.State, Incarnation: rec.Incarnation, IsMain: rec.IsMain,
				LastSeen: now, StateChangedAt: now,
			}
			continue
		}

		if rec.Incarnation <= existing.Incarnation {
			continue
		}
		old := existing.State
		existing.Incarnation = rec.Incarnation
		existing.State = rec.State
		existing.IsMain = rec.IsMain
		existing.Address = rec.Address
		existing.Port = rec.Port
		existing.LastSeen = now
		if old != rec.State {
			existing.StateChangedAt = now
			events = append(events, NodeEvent{Node: *existing, OldState: old, NewState: rec.State})
		}
	}
	e.mu.Unlock()

	for _, ev := range events {
		e.fireNodeEvent(ev.Node, ev.OldState, ev.NewState)
	}
}

// ParseHostPort splits a "host:port" literal into the address and port
// arguments that Join() expects.
func ParseHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
