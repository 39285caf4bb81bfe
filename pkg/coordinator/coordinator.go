// Package coordinator implements the leader-election and task-queue layer
// that rides on top of a membership.Engine's view of the cluster.
package coordinator

import (
	"container/list"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/mcastellin/meshd/pkg/membership"
)

// Role is a Coordinator's position in the Follower/Candidate/Leader state
// machine.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// TaskType enumerates the work item kinds a Coordinator can queue.
type TaskType uint8

const (
	AiRequest TaskType = iota
	MemorySync
	Broadcast
	HealthCheck
)

// taskDeadline is the fixed offset from creation after which a pending
// task is abandoned rather than retried.
const taskDeadline = 30 * time.Second

// maxDrainPerTick bounds the Leader tick's drain step so one tick never
// blocks on an unbounded queue.
const maxDrainPerTick = 64

// Task is a work item record.
type Task struct {
	ID           string
	Type         TaskType
	Payload      []byte
	AssignedNode string
	CreatedAt    time.Time
	Deadline     time.Time
	RetryCount   int
}

// electionTimeoutMin/Max bound the randomized Follower election deadline
// (now + rand(150..300ms)).
const (
	electionTimeoutMin = 150 * time.Millisecond
	electionTimeoutMax = 300 * time.Millisecond
)

// peerView is the slice of membership.Engine that the Coordinator needs.
// The Coordinator holds a non-owning reference to its Engine; this
// interface keeps that boundary explicit and testable.
type peerView interface {
	CountByState(membership.State) int
	GetLocal() membership.Node
	GetNodes() []membership.Node
	Broadcast([]byte)
	SendTo(id string, payload []byte) error
	OnMessage(func(from string, payload []byte))
	OnNodeEvent(func(membership.NodeEvent))
	SetMain(bool)
}

// Config configures a new Coordinator.
type Config struct {
	LocalID     string
	StartAsMain bool
	Engine      peerView
	Logger      *zap.Logger

	OnTaskComplete func(taskID string, success bool)
	OnBecomeLeader func()
}

// New constructs a Coordinator, optionally starting it as the main node.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Coordinator{
		localID:        cfg.LocalID,
		engine:         cfg.Engine,
		logger:         cfg.Logger,
		term:           1,
		pending:        list.New(),
		completed:      list.New(),
		onTaskComplete: cfg.OnTaskComplete,
		onBecomeLeader: cfg.OnBecomeLeader,
	}

	if cfg.StartAsMain {
		c.role = Leader
		c.leaderID = cfg.LocalID
		c.engine.SetMain(true)
	} else {
		c.role = Follower
		c.resetElectionDeadline()
	}

	c.engine.OnMessage(c.handleMessage)
	c.engine.OnNodeEvent(c.handleNodeEvent)

	return c
}

// Coordinator implements the role state machine and task queue that drive
// leader election and work distribution across a mesh.
type Coordinator struct {
	localID string
	engine  peerView
	logger  *zap.Logger

	mu                sync.Mutex
	role              Role
	term              uint32
	votesReceived     uint32
	lastVotedTerm     uint32
	electionDeadline  time.Time
	leaderID          string
	tasksProcessed    uint64

	pending   *list.List
	completed *list.List

	onTaskComplete func(taskID string, success bool)
	onBecomeLeader func()
}

type voteKind string

const (
	voteRequest voteKind = "vote-request"
	voteGrant   voteKind = "vote-grant"
)

type voteEnvelope struct {
	Kind voteKind `json:"kind"`
	Term uint32   `json:"term"`
	From string   `json:"from"`
}

func (c *Coordinator) resetElectionDeadline() {
	timeout := electionTimeoutMin + time.Duration(rand.Int63n(int64(electionTimeoutMax-electionTimeoutMin)))
	c.electionDeadline = time.Now().Add(timeout)
}

// IsLeader reports whether this Coordinator currently believes itself the
// main node.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == Leader
}

// Role returns the current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// LeaderID returns the currently known leader, if any.
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// Term returns the current election term.
func (c *Coordinator) Term() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

// SubmitTask appends a new Task to the head of the pending queue in O(1).
// Accepted on any role; only drained when Leader.
func (c *Coordinator) SubmitTask(t TaskType, payload []byte) *Task {
	now := time.Now()
	owned := append([]byte(nil), payload...)

	c.mu.Lock()
	defer c.mu.Unlock()

	// The tail of an xid encodes its counter bytes; its head is timestamp
	// bits that stay the same for over an hour.
	suffix := xid.New().String()
	task := &Task{
		ID:        fmt.Sprintf("task-%d-%s", now.Unix(), suffix[len(suffix)-4:]),
		Type:      t,
		Payload:   owned,
		CreatedAt: now,
		Deadline:  now.Add(taskDeadline),
	}
	task.AssignedNode = c.hashOwnerLocked(task.ID)
	c.pending.PushFront(task)
	return task
}

// hashOwnerLocked assigns a task's nominal owner by hashing its TaskId
// over the sorted Alive set. No cross-role forwarding channel exists, so
// this only labels the task for observability; execution always happens
// locally when this Coordinator is Leader.
func (c *Coordinator) hashOwnerLocked(taskID string) string {
	var alive []string
	for _, n := range c.engine.GetNodes() {
		if n.State == membership.Alive {
			alive = append(alive, n.ID)
		}
	}
	if len(alive) == 0 {
		return c.localID
	}
	sort.Strings(alive)

	h := fnv.New32a()
	h.Write([]byte(taskID))
	idx := int(h.Sum32() % uint32(len(alive)))
	return alive[idx]
}

// PendingCount returns the number of tasks awaiting drain.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// CompletedCount returns the number of drained tasks.
func (c *Coordinator) CompletedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed.Len()
}

// TasksProcessed returns the cumulative count of successfully drained tasks.
func (c *Coordinator) TasksProcessed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasksProcessed
}

// Tick advances the role state machine by one step according to the
// current Follower/Candidate/Leader tick rules. It must be driven
// externally by the Instance Manager: the Coordinator has no dedicated
// worker of its own.
func (c *Coordinator) Tick() {
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()

	switch role {
	case Follower:
		c.tickFollower()
	case Candidate:
		c.tickCandidate()
	case Leader:
		c.tickLeader()
	}
}

func (c *Coordinator) tickFollower() {
	c.mu.Lock()
	expired := time.Now().After(c.electionDeadline)
	c.mu.Unlock()
	if expired {
		c.beginElection()
	}
}

func (c *Coordinator) tickCandidate() {
	aliveCount := c.engine.CountByState(membership.Alive)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != Candidate {
		return
	}

	becomeLeader := aliveCount <= 1 || c.votesReceived > uint32(aliveCount)/2
	if !becomeLeader {
		return
	}

	c.role = Leader
	c.leaderID = c.localID
	cb := c.onBecomeLeader
	c.mu.Unlock()
	c.engine.SetMain(true)
	if cb != nil {
		cb()
	}
	c.mu.Lock()
}

func (c *Coordinator) tickLeader() {
	drained := 0
	for drained < maxDrainPerTick {
		c.mu.Lock()
		el := c.pending.Back()
		if el == nil {
			c.mu.Unlock()
			break
		}
		c.pending.Remove(el)
		task := el.Value.(*Task)
		now := time.Now()
		success := !now.After(task.Deadline)
		if success {
			c.completed.PushBack(task)
			c.tasksProcessed++
		}
		cb := c.onTaskComplete
		c.mu.Unlock()

		if cb != nil {
			cb(task.ID, success)
		}
		drained++
	}
}

// beginElection transitions the role to Candidate, bumps the term, votes
// for itself, and broadcasts a RequestVote to every Alive peer.
func (c *Coordinator) beginElection() {
	c.mu.Lock()
	c.role = Candidate
	c.term++
	c.votesReceived = 1
	c.lastVotedTerm = c.term
	c.resetElectionDeadline()
	term := c.term
	c.mu.Unlock()

	env := voteEnvelope{Kind: voteRequest, Term: term, From: c.localID}
	buf, err := json.Marshal(env)
	if err != nil {
		c.logger.Warn("coordinator: failed to encode vote request", zap.Error(err))
		return
	}
	c.engine.Broadcast(buf)
}

// handleNodeEvent reacts to membership transitions: an election begins
// when the current leader is observed leaving the Alive state.
func (c *Coordinator) handleNodeEvent(ev membership.NodeEvent) {
	c.mu.Lock()
	isLeaderGone := ev.Node.ID == c.leaderID && ev.NewState != membership.Alive
	c.mu.Unlock()
	if isLeaderGone {
		c.beginElection()
	}
}

// handleMessage decodes RequestVote/VoteGrant envelopes piggybacked over
// the Engine's opaque application channel.
func (c *Coordinator) handleMessage(from string, payload []byte) {
	var env voteEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}

	switch env.Kind {
	case voteRequest:
		c.handleVoteRequest(env)
	case voteGrant:
		c.handleVoteGrant(env)
	}
}

func (c *Coordinator) handleVoteRequest(env voteEnvelope) {
	c.mu.Lock()
	if env.Term > c.term {
		c.stepDownLocked(env.Term)
	}
	grant := env.Term >= c.term && c.lastVotedTerm < env.Term
	if grant {
		c.lastVotedTerm = env.Term
	}
	c.mu.Unlock()

	if !grant {
		return
	}
	reply := voteEnvelope{Kind: voteGrant, Term: env.Term, From: c.localID}
	buf, err := json.Marshal(reply)
	if err != nil {
		return
	}
	c.engine.SendTo(env.From, buf)
}

func (c *Coordinator) handleVoteGrant(env voteEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env.Term > c.term {
		c.stepDownLocked(env.Term)
		return
	}
	if env.Term != c.term || c.role != Candidate {
		return
	}
	c.votesReceived++
}

// stepDownLocked resets role to Follower and adopts a strictly greater
// term observed from another node's message. Caller must hold c.mu.
func (c *Coordinator) stepDownLocked(term uint32) {
	c.role = Follower
	c.term = term
	c.resetElectionDeadline()
}
