package metrics

import (
	"os"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncPublished()
	m.IncPublished()
	m.IncRelayed()
	m.IncDedupHit()
	m.IncVerifyFailure()
	m.IncCutThroughSession()
	m.AddCutThroughBytes(1 << 20)
	m.IncRecvByType("MESSAGE")
	m.IncRecvByType("MESSAGE")
	m.IncDropByReason("duplicate")
	m.SetSolConns(3)
	m.SetStandbyConns(1)
	m.SetUnsolConns(7)
	m.RecordEvent(RelayEvent{MsgID: 42, Channel: 5, Reason: "relayed"})

	snap := m.Snapshot()
	if snap.Relay.Published != 2 {
		t.Fatalf("expected published=2, got %d", snap.Relay.Published)
	}
	if snap.Relay.Relayed != 1 {
		t.Fatalf("expected relayed=1, got %d", snap.Relay.Relayed)
	}
	if snap.Relay.DedupHits != 1 || snap.Relay.VerifyFailures != 1 {
		t.Fatalf("unexpected relay counters: %+v", snap.Relay)
	}
	if snap.Relay.CutThroughSessions != 1 || snap.Relay.CutThroughBytes != 1<<20 {
		t.Fatalf("unexpected cut-through counters: %+v", snap.Relay)
	}
	if snap.Peers.SolConns != 3 || snap.Peers.StandbyConns != 1 || snap.Peers.UnsolConns != 7 {
		t.Fatalf("unexpected peer gauges: %+v", snap.Peers)
	}
	if snap.RecvByType["MESSAGE"] != 2 {
		t.Fatalf("expected recv_by_type MESSAGE=2, got %d", snap.RecvByType["MESSAGE"])
	}
	if snap.DropByReason["duplicate"] != 1 {
		t.Fatalf("expected drop_by_reason duplicate=1, got %d", snap.DropByReason["duplicate"])
	}
	if len(snap.Recent) != 1 || snap.Recent[0].MsgID != 42 {
		t.Fatalf("unexpected recent events: %+v", snap.Recent)
	}
}

func TestWriteSnapshotNoopWithoutPath(t *testing.T) {
	m := New()
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("WriteSnapshot(\"\") = %v, want nil", err)
	}
}

func TestWriteSnapshotWritesFile(t *testing.T) {
	m := New()
	m.IncPublished()
	path := t.TempDir() + "/metrics.json"
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("snapshot file is empty")
	}
}
