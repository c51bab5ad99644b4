package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"nexusServer/backend/internal/clock"
	"nexusServer/backend/internal/crdt"
	"nexusServer/backend/internal/oplog"
	"nexusServer/backend/internal/store"
)

type memSnapshots struct {
	mu     sync.Mutex
	states map[string]crdt.DocumentState
	seqs   map[string]uint64
	saves  int
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{states: make(map[string]crdt.DocumentState), seqs: make(map[string]uint64)}
}

func (m *memSnapshots) Save(ctx context.Context, projectID string, seq uint64, state crdt.DocumentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[projectID] = state
	m.seqs[projectID] = seq
	m.saves++
	return nil
}

func (m *memSnapshots) Latest(ctx context.Context, projectID string) (crdt.DocumentState, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[projectID]
	if !ok {
		return crdt.DocumentState{}, 0, store.ErrNoSnapshot
	}
	return st, m.seqs[projectID], nil
}

type denyAll struct{}

func (denyAll) CanEdit(ctx context.Context, replicaID, projectID string, target crdt.Path) bool {
	return false
}

func testOp(counter uint64, replica, field, value string, deps ...clock.Timestamp) crdt.Operation {
	return crdt.Operation{
		ID:        clock.Timestamp{Counter: counter, Replica: replica},
		ProjectID: "p1",
		Target:    crdt.Path{Entity: "show-1", EntityKind: crdt.EntityShow, Field: field},
		Kind:      crdt.KindSet,
		Payload:   json.RawMessage(`"` + value + `"`),
		Deps:      deps,
	}
}

func newTestCoordinator(l oplog.Log, snaps SnapshotPersistence, auth Authorizer) *Coordinator {
	return New("p1", l, snaps, auth, nil, Options{
		Grace:     time.Hour, // keep timers out of the way
		Hibernate: time.Hour,
	})
}

func TestSubmitAssignsTotalOrder(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(oplog.NewMemoryLog(), newMemSnapshots(), nil)
	defer c.Stop(ctx)

	for i := uint64(1); i <= 3; i++ {
		var deps []clock.Timestamp
		if i > 1 {
			deps = []clock.Timestamp{{Counter: i - 1, Replica: "r1"}}
		}
		seq, err := c.Submit(ctx, testOp(i, "r1", "title", "v", deps...), "r1")
		if err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
		if seq != i {
			t.Fatalf("Submit(%d) seq = %d, want gapless order", i, seq)
		}
	}

	state, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := state.Entities["show-1"]; !ok {
		t.Fatalf("submitted ops not merged into the coordinator replica")
	}
}

func TestSubmitCausalGapRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(oplog.NewMemoryLog(), newMemSnapshots(), nil)
	defer c.Stop(ctx)

	unseen := clock.Timestamp{Counter: 9, Replica: "ghost"}
	_, err := c.Submit(ctx, testOp(1, "r1", "title", "v", unseen), "r1")
	if !errors.Is(err, ErrCausalGap) {
		t.Fatalf("Submit with unseen dep = %v, want ErrCausalGap", err)
	}
}

func TestSubmitUnauthorized(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(oplog.NewMemoryLog(), newMemSnapshots(), denyAll{})
	defer c.Stop(ctx)

	if _, err := c.Submit(ctx, testOp(1, "r1", "title", "v"), "r1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Submit = %v, want ErrUnauthorized", err)
	}
}

func TestResubmitAfterLostAckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := oplog.NewMemoryLog()
	c := newTestCoordinator(l, newMemSnapshots(), nil)
	defer c.Stop(ctx)

	op := testOp(1, "r1", "title", "v")
	seq1, err := c.Submit(ctx, op, "r1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	seq2, err := c.Submit(ctx, op, "r1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if seq1 != seq2 {
		t.Fatalf("resubmit seq = %d, want %d", seq2, seq1)
	}
	tail, _ := l.Tail(ctx)
	if tail != 1 {
		t.Fatalf("log tail = %d after resubmit, want 1", tail)
	}
}

func TestBroadcastReachesOtherReplicas(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(oplog.NewMemoryLog(), newMemSnapshots(), nil)
	defer c.Stop(ctx)

	hs, err := c.Attach(ctx, "r2", nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(hs.Records) != 0 || hs.State != nil {
		t.Fatalf("fresh project handshake = %+v, want empty", hs)
	}

	op := testOp(1, "r1", "title", "v")
	if _, err := c.Submit(ctx, op, "r1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case evt := <-hs.Events:
		if evt.Record.Seq != 1 || evt.Record.Op.ID != op.ID || evt.From != "r1" {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("broadcast never arrived")
	}
}

func TestHandshakeCatchUp(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(oplog.NewMemoryLog(), newMemSnapshots(), nil)
	defer c.Stop(ctx)

	ops := []crdt.Operation{
		testOp(1, "r1", "title", "a"),
		testOp(2, "r1", "venue", "b", clock.Timestamp{Counter: 1, Replica: "r1"}),
	}
	for _, op := range ops {
		if _, err := c.Submit(ctx, op, "r1"); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	// a client that saw only the first op receives exactly the second
	since := clock.Version{"r1": 1}
	hs, err := c.Attach(ctx, "r2", since)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(hs.Records) != 1 || hs.Records[0].Seq != 2 {
		t.Fatalf("handshake records = %+v, want just seq 2", hs.Records)
	}
}

func TestCrashRecoveryFromSnapshotAndLog(t *testing.T) {
	ctx := context.Background()
	l := oplog.NewMemoryLog()
	snaps := newMemSnapshots()

	// first incarnation accepts an op and "crashes" (no Stop, no
	// snapshot): the append happened before any broadcast
	c1 := newTestCoordinator(l, snaps, nil)
	op := testOp(1, "r1", "title", "op-42")
	if _, err := c1.Submit(ctx, op, "r1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// second incarnation reloads purely from snapshot + log tail
	c2 := newTestCoordinator(l, snaps, nil)
	defer c2.Stop(ctx)
	state, err := c2.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot after restart: %v", err)
	}
	if string(state.Entities["show-1"].Fields["title"].Value) != `"op-42"` {
		t.Fatalf("restart lost an accepted op: %+v", state.Entities)
	}

	// a client that never received the broadcast obtains it via handshake
	hs, err := c2.Attach(ctx, "r2", nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(hs.Records) != 1 || hs.Records[0].Op.ID != op.ID {
		t.Fatalf("handshake after restart = %+v", hs.Records)
	}
}

func TestCompactionBehindAckWatermark(t *testing.T) {
	ctx := context.Background()
	l := oplog.NewMemoryLog()
	snaps := newMemSnapshots()
	c := New("p1", l, snaps, nil, nil, Options{
		Grace:        time.Hour,
		Hibernate:    time.Hour,
		CompactEvery: 4,
	})
	defer c.Stop(ctx)

	hs, err := c.Attach(ctx, "r2", nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	go func() { // keep the subscriber drained
		for range hs.Events {
		}
	}()

	var prev []clock.Timestamp
	for i := uint64(1); i <= 6; i++ {
		op := testOp(i, "r1", "title", "v", prev...)
		if _, err := c.Submit(ctx, op, "r1"); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
		prev = []clock.Timestamp{op.ID}
	}

	// r2 acks everything; the watermark allows compaction
	c.Ack("r2", 6)

	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, err := l.ReadFrom(ctx, 1, 0)
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if len(recs) == 0 || recs[0].Seq > 1 {
			break // prefix gone
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never compacted: %d records still retained", len(recs))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a brand-new replica now catches up via full state, not the log
	hs2, err := c.Attach(ctx, "r3", nil)
	if err != nil {
		t.Fatalf("Attach r3: %v", err)
	}
	if hs2.State == nil {
		t.Fatalf("late joiner got records %+v, want full state", hs2.Records)
	}
	if !hs2.State.Version.Includes(clock.Timestamp{Counter: 6, Replica: "r1"}) {
		t.Fatalf("full state missing latest op")
	}
}
