package localstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nexusServer/backend/internal/coordinator"
	"nexusServer/backend/internal/crdt"
	"nexusServer/backend/internal/oplog"
	"nexusServer/backend/internal/store"
)

type memSnapshots struct {
	mu     sync.Mutex
	states map[string]crdt.DocumentState
	seqs   map[string]uint64
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{states: make(map[string]crdt.DocumentState), seqs: make(map[string]uint64)}
}

func (m *memSnapshots) Save(ctx context.Context, projectID string, seq uint64, state crdt.DocumentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[projectID] = state
	m.seqs[projectID] = seq
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

func newTestCoordinator() *coordinator.Coordinator {
	return coordinator.New("p1", oplog.NewMemoryLog(), newMemSnapshots(), nil, nil, coordinator.Options{
		Grace:     time.Hour,
		Hibernate: time.Hour,
	})
}

func fastOptions() Options {
	return Options{FlushBase: 5 * time.Millisecond, FlushMax: 50 * time.Millisecond, RPCWait: time.Second}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfflineEditsFlushOnConnect(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator()
	defer coord.Stop(ctx)

	s := New("p1", coord, fastOptions())
	if _, err := s.SetField("show-1", crdt.EntityShow, "title", "Warehouse Gig"); err != nil {
		t.Fatalf("SetField offline: %v", err)
	}
	if s.Status() != StatusPending {
		t.Fatalf("status = %s, want PENDING while offline", s.Status())
	}
	// the edit is visible locally before any replication
	if got := s.Snapshot().Entities["show-1"].Fields["title"].Value; string(got) != `"Warehouse Gig"` {
		t.Fatalf("local snapshot = %s", got)
	}

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	waitFor(t, func() bool { return s.PendingCount() == 0 && s.Status() == StatusSynced }, "flush")

	state, err := coord.Snapshot(ctx)
	if err != nil {
		t.Fatalf("coordinator snapshot: %v", err)
	}
	if got := state.Entities["show-1"].Fields["title"].Value; string(got) != `"Warehouse Gig"` {
		t.Fatalf("coordinator state = %s", got)
	}
}

func TestTwoReplicasConverge(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator()
	defer coord.Stop(ctx)

	s1 := New("p1", coord, fastOptions())
	s2 := New("p1", coord, fastOptions())
	for _, s := range []*Store{s1, s2} {
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	defer s1.Disconnect()
	defer s2.Disconnect()

	if _, err := s1.SetField("setlist-1", crdt.EntitySetlist, "name", "Friday"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	waitFor(t, func() bool {
		v := s2.Snapshot().Entities["setlist-1"].Fields["name"].Value
		return string(v) == `"Friday"`
	}, "s1 edit on s2")

	if _, err := s2.InsertElement("setlist-1", crdt.EntitySetlist, "songIds", "song-9", "song-9", "", ""); err != nil {
		t.Fatalf("InsertElement: %v", err)
	}
	waitFor(t, func() bool {
		list := s1.Snapshot().Entities["setlist-1"].Lists["songIds"]
		return len(list) == 1 && list[0].ID == "song-9"
	}, "s2 insert on s1")
}

func TestHandshakeCatchesUpMissedOps(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator()
	defer coord.Stop(ctx)

	s1 := New("p1", coord, fastOptions())
	if err := s1.Connect(ctx); err != nil {
		t.Fatalf("Connect s1: %v", err)
	}
	defer s1.Disconnect()
	if _, err := s1.SetField("post-1", crdt.EntityPost, "title", "hello"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	waitFor(t, func() bool { return s1.PendingCount() == 0 }, "s1 flush")

	// a replica connecting late receives the log through the handshake
	s2 := New("p1", coord, fastOptions())
	if err := s2.Connect(ctx); err != nil {
		t.Fatalf("Connect s2: %v", err)
	}
	defer s2.Disconnect()
	if got := s2.Snapshot().Entities["post-1"].Fields["title"].Value; string(got) != `"hello"` {
		t.Fatalf("late replica state = %s", got)
	}
}

type flakyTransport struct {
	Transport
	mu    sync.Mutex
	fails int
}

var errNetwork = errors.New("connection reset")

func (f *flakyTransport) Submit(ctx context.Context, op crdt.Operation, from string) (uint64, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return 0, errNetwork
	}
	f.mu.Unlock()
	return f.Transport.Submit(ctx, op, from)
}

func TestFlushRetriesTransportFailures(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator()
	defer coord.Stop(ctx)

	s := New("p1", &flakyTransport{Transport: coord, fails: 3}, fastOptions())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	if _, err := s.SetField("show-1", crdt.EntityShow, "venue", "The Cave"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	waitFor(t, func() bool { return s.PendingCount() == 0 && s.Status() == StatusSynced }, "retry flush")

	state, err := coord.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := state.Entities["show-1"].Fields["venue"].Value; string(got) != `"The Cave"` {
		t.Fatalf("coordinator state = %s", got)
	}
}

type denyAll struct{}

func (denyAll) CanEdit(ctx context.Context, replicaID, projectID string, target crdt.Path) bool {
	return false
}

func TestRejectedOpSurfacesFailure(t *testing.T) {
	ctx := context.Background()
	coord := coordinator.New("p1", oplog.NewMemoryLog(), newMemSnapshots(), denyAll{}, nil, coordinator.Options{
		Grace:     time.Hour,
		Hibernate: time.Hour,
	})
	defer coord.Stop(ctx)

	s := New("p1", coord, fastOptions())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	if _, err := s.SetField("show-1", crdt.EntityShow, "title", "nope"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	waitFor(t, func() bool { return s.Status() == StatusFailed }, "rejection")
	if !errors.Is(s.Err(), coordinator.ErrUnauthorized) {
		t.Fatalf("Err = %v, want ErrUnauthorized", s.Err())
	}
	if s.PendingCount() != 0 {
		t.Fatalf("rejected op left in queue")
	}
}
