package instance

import (
	"fmt"
	"testing"

	"github.com/mcastellin/meshd/pkg/coordinator"
)

func TestCreateAllocatesDistinctPortsFromPool(t *testing.T) {
	mgr := NewManager("srv", 20000, 20010, nil)
	in1, err := mgr.Create(CreateOptions{NodeID: "n1"})
	if err != nil {
		t.Fatalf("Create n1: %v", err)
	}
	in2, err := mgr.Create(CreateOptions{NodeID: "n2"})
	if err != nil {
		t.Fatalf("Create n2: %v", err)
	}
	defer mgr.StopAll()

	ports := map[int]bool{in1.MembershipPort: true, in1.AppPort: true}
	if ports[in2.MembershipPort] || ports[in2.AppPort] {
		t.Fatalf("expected n2 to get fresh ports, got overlap: %+v vs %+v", in1, in2)
	}
}

func TestCreateRejectsDuplicateNodeID(t *testing.T) {
	mgr := NewManager("srv", 20100, 20110, nil)
	if _, err := mgr.Create(CreateOptions{NodeID: "dup"}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	defer mgr.StopAll()
	if _, err := mgr.Create(CreateOptions{NodeID: "dup"}); err == nil {
		t.Fatalf("expected an error creating a duplicate node id")
	}
}

func TestCreateEnforcesMaxInstances(t *testing.T) {
	mgr := NewManager("srv", 21000, 21200, nil)
	for i := 0; i < maxInstances; i++ {
		if _, err := mgr.Create(CreateOptions{NodeID: fmt.Sprintf("n%d", i)}); err != nil {
			t.Fatalf("Create n%d: %v", i, err)
		}
	}
	defer mgr.StopAll()

	if _, err := mgr.Create(CreateOptions{NodeID: "overflow"}); err != ErrTooManyInstances {
		t.Fatalf("expected ErrTooManyInstances, got %v", err)
	}
}

func TestPortPoolExhaustedWhenRangeIsTooSmall(t *testing.T) {
	mgr := NewManager("srv", 22000, 22002, nil) // exactly 2 ports available
	in, err := mgr.Create(CreateOptions{NodeID: "n1"})
	if err != nil {
		t.Fatalf("Create n1: %v", err)
	}
	defer mgr.StopAll()
	_ = in

	if _, err := mgr.Create(CreateOptions{NodeID: "n2"}); err != ErrPortPoolExhausted {
		t.Fatalf("expected ErrPortPoolExhausted, got %v", err)
	}
}

func TestStartStopRemoveLifecycle(t *testing.T) {
	mgr := NewManager("srv", 23000, 23010, nil)
	if _, err := mgr.Create(CreateOptions{NodeID: "n1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := mgr.Start("n1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mgr.Start("n1"); err == nil {
		t.Fatalf("expected an error starting an already-running instance")
	}

	s := mgr.Stats()
	if s.Running != 1 {
		t.Fatalf("expected 1 running instance, got %d", s.Running)
	}

	if err := mgr.Stop("n1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := mgr.Stop("n1"); err == nil {
		t.Fatalf("expected an error stopping an already-stopped instance")
	}

	if err := mgr.Remove("n1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := mgr.Get("n1"); ok {
		t.Fatalf("expected n1 to be forgotten after Remove")
	}
	if err := mgr.Remove("n1"); err != ErrUnknownInstance {
		t.Fatalf("expected ErrUnknownInstance removing an already-removed node, got %v", err)
	}
}

func TestStopAllAggregatesFailures(t *testing.T) {
	mgr := NewManager("srv", 24000, 24010, nil)
	if _, err := mgr.Create(CreateOptions{NodeID: "n1", AutoStart: true}); err != nil {
		t.Fatalf("Create n1: %v", err)
	}
	if _, err := mgr.Create(CreateOptions{NodeID: "n2", AutoStart: true}); err != nil {
		t.Fatalf("Create n2: %v", err)
	}

	if err := mgr.Stop("n1"); err != nil {
		t.Fatalf("Stop n1: %v", err)
	}

	// n1 is already stopped; StopAll should still stop n2 and report n1's failure.
	if err := mgr.StopAll(); err == nil {
		t.Fatalf("expected StopAll to report the already-stopped instance")
	}
}

func TestTickDrivesLeaderCoordinatorTaskQueue(t *testing.T) {
	mgr := NewManager("srv", 25000, 25010, nil)
	in, err := mgr.Create(CreateOptions{
		NodeID:      "leader",
		StartAsMain: true,
		AutoStart:   true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.StopAll()

	if !in.Coordinator.IsLeader() {
		t.Fatalf("expected the sole node started with StartAsMain to be Leader")
	}

	in.Coordinator.SubmitTask(coordinator.HealthCheck, nil)
	mgr.Tick()

	if in.Coordinator.PendingCount() != 0 {
		t.Fatalf("expected the task queue drained after one tick")
	}
	if in.Coordinator.CompletedCount() != 1 {
		t.Fatalf("expected 1 completed task, got %d", in.Coordinator.CompletedCount())
	}
}

func TestStatsAggregatesAcrossInstances(t *testing.T) {
	mgr := NewManager("srv", 26000, 26020, nil)
	if _, err := mgr.Create(CreateOptions{NodeID: "n1", AutoStart: true}); err != nil {
		t.Fatalf("Create n1: %v", err)
	}
	if _, err := mgr.Create(CreateOptions{NodeID: "n2"}); err != nil {
		t.Fatalf("Create n2: %v", err)
	}
	defer mgr.StopAll()

	s := mgr.Stats()
	if s.Total != 2 {
		t.Fatalf("expected 2 total instances, got %d", s.Total)
	}
	if s.Running != 1 {
		t.Fatalf("expected 1 running instance, got %d", s.Running)
	}
}

func TestListReturnsEveryOwnedNodeID(t *testing.T) {
	mgr := NewManager("srv", 27000, 27010, nil)
	if _, err := mgr.Create(CreateOptions{NodeID: "n1"}); err != nil {
		t.Fatalf("Create n1: %v", err)
	}
	if _, err := mgr.Create(CreateOptions{NodeID: "n2"}); err != nil {
		t.Fatalf("Create n2: %v", err)
	}
	defer mgr.StopAll()

	ids := mgr.List()
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
}
