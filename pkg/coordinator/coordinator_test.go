package coordinator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mcastellin/meshd/pkg/membership"
)

type fakeEngine struct {
	mu    sync.Mutex
	nodes []membership.Node
	local membership.Node

	onMessage   func(from string, payload []byte)
	onNodeEvent func(membership.NodeEvent)

	broadcasts [][]byte
	sendTo     map[string][][]byte
	mainCalls  int
}

func newFakeEngine(localID string) *fakeEngine {
	return &fakeEngine{
		local:  membership.Node{ID: localID, State: membership.Alive, IsLocal: true},
		sendTo: map[string][][]byte{},
	}
}

func (f *fakeEngine) CountByState(s membership.State) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, node := range f.nodes {
		if node.State == s {
			n++
		}
	}
	if s == membership.Alive {
		n++ // local counts too
	}
	return n
}

func (f *fakeEngine) GetLocal() membership.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeEngine) GetNodes() []membership.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]membership.Node{f.local}, f.nodes...)
	return out
}

func (f *fakeEngine) Broadcast(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, payload)
}

func (f *fakeEngine) SendTo(id string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendTo[id] = append(f.sendTo[id], payload)
	return nil
}

func (f *fakeEngine) OnMessage(fn func(from string, payload []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

func (f *fakeEngine) OnNodeEvent(fn func(membership.NodeEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onNodeEvent = fn
}

func (f *fakeEngine) SetMain(isMain bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local.IsMain = isMain
	f.mainCalls++
}

func (f *fakeEngine) addAlive(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.nodes = append(f.nodes, membership.Node{ID: id, State: membership.Alive})
	}
}

func TestNewFollowerStartsAsFollowerWithElectionDeadline(t *testing.T) {
	eng := newFakeEngine("a")
	c := New(Config{LocalID: "a", Engine: eng})
	if c.Role() != Follower {
		t.Fatalf("expected Follower, got %v", c.Role())
	}
	if eng.mainCalls != 0 {
		t.Fatalf("expected SetMain not called for a Follower, got %d calls", eng.mainCalls)
	}
	c.mu.Lock()
	deadline := c.electionDeadline
	c.mu.Unlock()
	if d := time.Until(deadline); d <= 0 || d > electionTimeoutMax {
		t.Fatalf("expected an election deadline within %s from now, got %s", electionTimeoutMax, d)
	}
}

func TestNewLeaderStartsAsLeaderAndSetsMain(t *testing.T) {
	eng := newFakeEngine("a")
	c := New(Config{LocalID: "a", StartAsMain: true, Engine: eng})
	if c.Role() != Leader {
		t.Fatalf("expected Leader, got %v", c.Role())
	}
	if !c.IsLeader() {
		t.Fatalf("IsLeader() should be true")
	}
	if eng.mainCalls != 1 {
		t.Fatalf("expected SetMain(true) called once, got %d", eng.mainCalls)
	}
}

func TestTickFollowerBeginsElectionAfterDeadline(t *testing.T) {
	eng := newFakeEngine("a")
	c := New(Config{LocalID: "a", Engine: eng})

	c.mu.Lock()
	c.electionDeadline = time.Now().Add(-time.Millisecond)
	c.mu.Unlock()

	c.Tick()

	if c.Role() != Candidate {
		t.Fatalf("expected Candidate after deadline, got %v", c.Role())
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.broadcasts) != 1 {
		t.Fatalf("expected one RequestVote broadcast, got %d", len(eng.broadcasts))
	}
	var env voteEnvelope
	if err := json.Unmarshal(eng.broadcasts[0], &env); err != nil {
		t.Fatalf("broadcast payload did not decode: %v", err)
	}
	if env.Kind != voteRequest {
		t.Fatalf("expected vote-request, got %v", env.Kind)
	}
}

func TestTickCandidateBecomesLeaderAloneInCluster(t *testing.T) {
	eng := newFakeEngine("a")
	c := New(Config{LocalID: "a", Engine: eng})
	c.beginElection()

	c.Tick()

	if c.Role() != Leader {
		t.Fatalf("a lone candidate with no peers should become Leader, got %v", c.Role())
	}
	if c.LeaderID() != "a" {
		t.Fatalf("expected leaderID=a, got %q", c.LeaderID())
	}
}

func TestTickCandidateWaitsForMajorityWithPeers(t *testing.T) {
	eng := newFakeEngine("a")
	eng.addAlive("b", "c")
	c := New(Config{LocalID: "a", Engine: eng})
	c.beginElection()

	c.Tick()
	if c.Role() != Candidate {
		t.Fatalf("expected to remain Candidate without a majority, got %v", c.Role())
	}

	// Grant from "b" brings votesReceived to 2 of 3: a majority.
	c.handleMessage("b", mustMarshal(t, voteEnvelope{Kind: voteGrant, Term: c.Term(), From: "b"}))
	c.Tick()
	if c.Role() != Leader {
		t.Fatalf("expected Leader once a majority of votes is received, got %v", c.Role())
	}
}

func TestBecomeLeaderFiresCallback(t *testing.T) {
	eng := newFakeEngine("a")
	called := false
	c := New(Config{LocalID: "a", Engine: eng, OnBecomeLeader: func() { called = true }})
	c.beginElection()
	c.Tick()
	if !called {
		t.Fatalf("expected OnBecomeLeader to fire")
	}
}

func TestHandleVoteRequestGrantsOncePerTerm(t *testing.T) {
	eng := newFakeEngine("b")
	c := New(Config{LocalID: "b", Engine: eng})

	c.handleMessage("a", mustMarshal(t, voteEnvelope{Kind: voteRequest, Term: 5, From: "a"}))
	c.handleMessage("a", mustMarshal(t, voteEnvelope{Kind: voteRequest, Term: 5, From: "a"}))

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.sendTo["a"]) != 1 {
		t.Fatalf("expected exactly one vote grant for term 5, got %d", len(eng.sendTo["a"]))
	}
}

func TestHandleVoteRequestStepsDownOnHigherTerm(t *testing.T) {
	eng := newFakeEngine("a")
	c := New(Config{LocalID: "a", StartAsMain: true, Engine: eng})
	if c.Role() != Leader {
		t.Fatalf("setup: expected Leader")
	}

	c.handleMessage("b", mustMarshal(t, voteEnvelope{Kind: voteRequest, Term: 99, From: "b"}))

	if c.Role() != Follower {
		t.Fatalf("expected step-down to Follower on higher term, got %v", c.Role())
	}
	if c.Term() != 99 {
		t.Fatalf("expected term adopted to 99, got %d", c.Term())
	}
}

func TestHandleNodeEventLeaderGoneTriggersElection(t *testing.T) {
	eng := newFakeEngine("b")
	c := New(Config{LocalID: "b", Engine: eng})
	c.mu.Lock()
	c.leaderID = "a"
	c.mu.Unlock()

	c.handleNodeEvent(membership.NodeEvent{
		Node:     membership.Node{ID: "a"},
		OldState: membership.Alive,
		NewState: membership.Suspect,
	})

	if c.Role() != Candidate {
		t.Fatalf("expected election to begin when the leader is no longer Alive, got %v", c.Role())
	}
}

func TestSubmitTaskAssignsDeterministicOwner(t *testing.T) {
	eng := newFakeEngine("a")
	eng.addAlive("b", "c")
	c := New(Config{LocalID: "a", Engine: eng})

	task := c.SubmitTask(AiRequest, []byte("payload"))
	if task.AssignedNode == "" {
		t.Fatalf("expected a non-empty assigned node")
	}

	// Re-hashing the same id over the same alive set must be stable.
	again := c.hashOwnerLocked(task.ID)
	if again != task.AssignedNode {
		t.Fatalf("hashOwnerLocked is not deterministic: %q != %q", again, task.AssignedNode)
	}
}

func TestSubmitTaskFallsBackToLocalWithNoPeers(t *testing.T) {
	eng := newFakeEngine("a")
	c := New(Config{LocalID: "a", Engine: eng})
	task := c.SubmitTask(HealthCheck, nil)
	if task.AssignedNode != "a" {
		t.Fatalf("with no alive peers besides itself, expected owner=a, got %q", task.AssignedNode)
	}
}

func TestTickLeaderDrainsPendingTasksToCompletion(t *testing.T) {
	eng := newFakeEngine("a")
	var completions []string
	c := New(Config{
		LocalID:     "a",
		StartAsMain: true,
		Engine:      eng,
		OnTaskComplete: func(taskID string, success bool) {
			if !success {
				t.Fatalf("task %s should not have expired", taskID)
			}
			completions = append(completions, taskID)
		},
	})

	t1 := c.SubmitTask(AiRequest, nil)
	t2 := c.SubmitTask(MemorySync, nil)

	c.Tick()

	if c.PendingCount() != 0 {
		t.Fatalf("expected pending queue drained, got %d remaining", c.PendingCount())
	}
	if c.CompletedCount() != 2 {
		t.Fatalf("expected 2 completed tasks, got %d", c.CompletedCount())
	}
	if len(completions) != 2 || completions[0] != t1.ID || completions[1] != t2.ID {
		t.Fatalf("expected oldest-first drain order [%s %s], got %v", t1.ID, t2.ID, completions)
	}
}

func TestTickLeaderSkipsExpiredTask(t *testing.T) {
	eng := newFakeEngine("a")
	var gotSuccess *bool
	c := New(Config{
		LocalID:     "a",
		StartAsMain: true,
		Engine:      eng,
		OnTaskComplete: func(taskID string, success bool) {
			gotSuccess = &success
		},
	})

	task := c.SubmitTask(AiRequest, nil)
	c.mu.Lock()
	task.Deadline = time.Now().Add(-time.Second)
	c.mu.Unlock()

	c.Tick()

	if gotSuccess == nil || *gotSuccess {
		t.Fatalf("expected on_task_complete(success=false) for an expired task")
	}
	if c.CompletedCount() != 0 {
		t.Fatalf("an expired task must not be recorded as completed, got %d", c.CompletedCount())
	}
}

func mustMarshal(t *testing.T, env voteEnvelope) []byte {
	t.Helper()
	buf, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return buf
}
