package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"nexusServer/backend/internal/cache"
	"nexusServer/backend/internal/clock"
	"nexusServer/backend/internal/coordinator"
	"nexusServer/backend/internal/crdt"
	"nexusServer/backend/internal/oplog"
	"nexusServer/backend/internal/store"
)

type fakePresence struct {
	mu      sync.Mutex
	members map[string]map[string]string // projectID -> replicaID -> name
}

func newFakePresence() *fakePresence {
	return &fakePresence{members: make(map[string]map[string]string)}
}

func (f *fakePresence) Heartbeat(ctx context.Context, projectID, replicaID, displayName string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[projectID] == nil {
		f.members[projectID] = make(map[string]string)
	}
	f.members[projectID][replicaID] = displayName
	return nil
}

func (f *fakePresence) AliveMembers(ctx context.Context, projectID string) ([]cache.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cache.Member
	for id, name := range f.members[projectID] {
		out = append(out, cache.Member{ReplicaID: id, DisplayName: name})
	}
	return out, nil
}

func (f *fakePresence) Projects(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakePresence) SetFocus(ctx context.Context, projectID, replicaID string, jsonData []byte, ttl time.Duration) error {
	return nil
}

func (f *fakePresence) Focus(ctx context.Context, projectID, replicaID string) ([]byte, error) {
	return nil, nil
}

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

func newTestServer(t *testing.T) (*httptest.Server, *coordinator.Arena) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	arena := coordinator.NewArena(
		func(projectID string) oplog.Log { return oplog.NewMemoryLog() },
		newMemSnapshots(),
		nil,
		nil,
		coordinator.Options{Grace: time.Hour, Hibernate: time.Hour},
	)
	hub := NewHub(newFakePresence())
	manager := NewManager(hub, arena, coordinator.NewSemaphore(16))

	r := gin.New()
	r.GET("/sync/ws", func(c *gin.Context) {
		c.Set("displayName", "Tester")
		manager.WebSocketConnect(c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = arena.Shutdown(ctx)
	})
	return srv, arena
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// envelope covers every server message shape so a test can read the
// stream without knowing which type arrives next.
type envelope struct {
	Type      string              `json:"type"`
	ProjectID string              `json:"projectId"`
	ReplicaID string              `json:"replicaId"`
	Seq       uint64              `json:"seq"`
	Code      string              `json:"code"`
	Records   []oplog.Record      `json:"records"`
	State     *crdt.DocumentState `json:"state"`
	From      string              `json:"from"`
	Op        crdt.Operation      `json:"op"`
	OpID      clock.Timestamp     `json:"opId"`
	Content   string              `json:"content"`
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %q: %v", msgType, err)
		}
		if env.Type == msgType {
			return env
		}
		if env.Type == "error" || env.Type == "op_rejected" {
			t.Fatalf("waiting for %q, got %s: %+v", msgType, env.Type, env)
		}
	}
}

func handshakeOn(t *testing.T, conn *websocket.Conn, projectID, replicaID string) envelope {
	t.Helper()
	if err := conn.WriteJSON(ClientMessage{Type: "handshake", ProjectID: projectID, ReplicaID: replicaID}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return readUntil(t, conn, "handshake_ack")
}

func setOp(counter uint64, replica, entity, field, value string) *crdt.Operation {
	return &crdt.Operation{
		ID:      clock.Timestamp{Counter: counter, Replica: replica},
		Target:  crdt.Path{Entity: entity, EntityKind: crdt.EntityShow, Field: field},
		Kind:    crdt.KindSet,
		Payload: json.RawMessage(`"` + value + `"`),
	}
}

func TestHandshakeSubmitBroadcast(t *testing.T) {
	srv, _ := newTestServer(t)

	c1 := dialWS(t, srv)
	defer c1.Close()
	ack := handshakeOn(t, c1, "p1", "r1")
	if len(ack.Records) != 0 || ack.State != nil {
		t.Fatalf("fresh project handshake = %+v, want empty", ack)
	}

	c2 := dialWS(t, srv)
	defer c2.Close()
	handshakeOn(t, c2, "p1", "r2")

	op := setOp(1, "r1", "show-1", "title", "Warehouse Gig")
	if err := c1.WriteJSON(ClientMessage{Type: "op_submit", Op: op}); err != nil {
		t.Fatalf("write op_submit: %v", err)
	}

	accepted := readUntil(t, c1, "op_accepted")
	if accepted.Seq != 1 || accepted.OpID != op.ID {
		t.Fatalf("op_accepted = %+v", accepted)
	}

	broadcast := readUntil(t, c2, "op_broadcast")
	if broadcast.Seq != 1 || broadcast.Op.ID != op.ID || broadcast.From != "r1" {
		t.Fatalf("op_broadcast = %+v", broadcast)
	}
	if err := c2.WriteJSON(ClientMessage{Type: "ack", Seq: broadcast.Seq}); err != nil {
		t.Fatalf("write ack: %v", err)
	}
}

func TestHandshakeCatchesUpLateJoiner(t *testing.T) {
	srv, _ := newTestServer(t)

	c1 := dialWS(t, srv)
	defer c1.Close()
	handshakeOn(t, c1, "p1", "r1")
	if err := c1.WriteJSON(ClientMessage{Type: "op_submit", Op: setOp(1, "r1", "show-1", "title", "v")}); err != nil {
		t.Fatalf("write op_submit: %v", err)
	}
	readUntil(t, c1, "op_accepted")

	c2 := dialWS(t, srv)
	defer c2.Close()
	ack := handshakeOn(t, c2, "p1", "r2")
	if len(ack.Records) != 1 || ack.Records[0].Seq != 1 || ack.Seq != 1 {
		t.Fatalf("late joiner handshake = %+v, want the missed record", ack)
	}
}

// A replica disconnecting while a peer keeps submitting must not take
// the server down: the coordinator processes the detach asynchronously,
// so broadcasts can still hit the departing connection's pump.
func TestDisconnectDuringSubmitBurst(t *testing.T) {
	srv, _ := newTestServer(t)

	c1 := dialWS(t, srv)
	defer c1.Close()
	handshakeOn(t, c1, "p1", "r1")

	c2 := dialWS(t, srv)
	handshakeOn(t, c2, "p1", "r2")

	// first op in flight, then the peer vanishes mid-burst
	for i := uint64(1); i <= 20; i++ {
		if err := c1.WriteJSON(ClientMessage{Type: "op_submit", Op: setOp(i, "r1", "show-1", "title", "v")}); err != nil {
			t.Fatalf("write op_submit(%d): %v", i, err)
		}
		if i == 2 {
			_ = c2.Close()
		}
		accepted := readUntil(t, c1, "op_accepted")
		if accepted.Seq != i {
			t.Fatalf("op_accepted seq = %d, want %d", accepted.Seq, i)
		}
	}

	// the server survived; a fresh replica still catches up fully
	c3 := dialWS(t, srv)
	defer c3.Close()
	ack := handshakeOn(t, c3, "p1", "r3")
	if ack.Seq != 20 || len(ack.Records) != 20 {
		t.Fatalf("post-burst handshake = seq %d with %d records, want 20", ack.Seq, len(ack.Records))
	}
}

func TestRoomSwitchStopsOldProjectBroadcasts(t *testing.T) {
	srv, _ := newTestServer(t)

	c1 := dialWS(t, srv)
	defer c1.Close()
	handshakeOn(t, c1, "p1", "r1")

	c2 := dialWS(t, srv)
	defer c2.Close()
	handshakeOn(t, c2, "p1", "r2")

	// r1 moves to another project on the same connection
	handshakeOn(t, c1, "p2", "r1")

	// r2 edits the old project; r1 then edits the new one
	if err := c2.WriteJSON(ClientMessage{Type: "op_submit", Op: setOp(1, "r2", "show-1", "title", "old room")}); err != nil {
		t.Fatalf("write op_submit: %v", err)
	}
	readUntil(t, c2, "op_accepted")

	if err := c1.WriteJSON(ClientMessage{Type: "op_submit", Op: setOp(1, "r1", "show-2", "title", "new room")}); err != nil {
		t.Fatalf("write op_submit: %v", err)
	}

	// everything r1 reads before its own accept must not leak from p1
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = c1.SetReadDeadline(deadline)
		var env envelope
		if err := c1.ReadJSON(&env); err != nil {
			t.Fatalf("reading after room switch: %v", err)
		}
		if env.Type == "op_broadcast" && env.ProjectID == "p1" {
			t.Fatalf("received broadcast from the left room: %+v", env)
		}
		if env.Type == "op_accepted" {
			if env.Seq != 1 {
				t.Fatalf("accept in new room = %+v", env)
			}
			return
		}
	}
}

func TestEnqueueAfterTeardown(t *testing.T) {
	c := NewConn(nil, nil, nil, nil, "Tester")
	if !c.enqueue(ServerMessage{Type: "feedback"}) {
		t.Fatalf("enqueue on live connection refused")
	}
	c.closeSend()
	c.closeSend() // repeated teardown must be harmless
	if c.enqueue(ServerMessage{Type: "feedback"}) {
		t.Fatalf("enqueue succeeded after teardown")
	}
}

func TestEnqueueReportsFullBuffer(t *testing.T) {
	c := NewConn(nil, nil, nil, nil, "Tester")
	for i := 0; i < cap(c.send); i++ {
		if !c.enqueue(ServerMessage{Type: "feedback"}) {
			t.Fatalf("enqueue refused below capacity (%d)", i)
		}
	}
	if c.enqueue(ServerMessage{Type: "feedback"}) {
		t.Fatalf("enqueue succeeded past capacity; op drops would go unnoticed")
	}
}
