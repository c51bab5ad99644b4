package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"nexusServer/backend/internal/coordinator"
	"nexusServer/backend/internal/crdt"

	"github.com/gorilla/websocket"
)

const (
	presenceTTL = 600 * time.Second
	focusTTL    = 30 * time.Second
)

type Conn struct {
	ws          *websocket.Conn
	hub         *Hub
	arena       *coordinator.Arena
	sem         *coordinator.Semaphore
	projectID   string
	replicaID   string
	displayName string

	// sendMu gates send against teardown: the event pump goroutine
	// outlives the coordinator Detach (the actor processes it
	// asynchronously), so enqueue must never race a closed channel.
	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage
}

type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string       { return m.Type }
func (m HandshakeAckMessage) MessageType() string { return m.Type }
func (m OpAcceptedMessage) MessageType() string   { return m.Type }
func (m OpRejectedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string  { return m.Type }

func NewConn(ws *websocket.Conn, hub *Hub, arena *coordinator.Arena, sem *coordinator.Semaphore, displayName string) *Conn {
	return &Conn{
		ws:          ws,
		hub:         hub,
		arena:       arena,
		sem:         sem,
		displayName: displayName,
		send:        make(chan OutboundMessage, 32),
	}
}

// enqueue is best-effort: a full queue drops the message rather than
// block the broadcaster, and a torn-down connection swallows it.
// Returns whether the message was queued; callers carrying operations
// must not ignore a false.
func (c *Conn) enqueue(msg OutboundMessage) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend ends the write loop. Safe against late enqueues from the
// event pump and idempotent across repeated teardowns.
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Conn) handleHandshake(ctx context.Context, msg ClientMessage) {
	if msg.ProjectID == "" || msg.ReplicaID == "" {
		c.enqueue(ServerMessage{Type: "error", Content: "MISSING_PROJECT_OR_REPLICA"})
		return
	}
	if c.projectID != "" && c.projectID != msg.ProjectID {
		// switching rooms: leave the old project first
		c.hub.Leave(c.projectID, c)
		c.arena.Project(c.projectID).Detach(c.replicaID)
	}
	c.projectID = msg.ProjectID
	c.replicaID = msg.ReplicaID

	coord := c.arena.Project(c.projectID)
	hs, err := coord.Attach(ctx, c.replicaID, msg.Since)
	if err != nil {
		log.Printf("attach error (project=%s, replica=%s): %v", c.projectID, c.replicaID, err)
		c.enqueue(ServerMessage{Type: "error", Content: "ATTACH_FAILED"})
		return
	}
	c.hub.Join(c.projectID, c)
	if err := c.hub.presence.Heartbeat(ctx, c.projectID, c.replicaID, c.displayName, presenceTTL); err != nil {
		log.Printf("presence heartbeat error: %v", err)
	}

	ack := HandshakeAckMessage{Type: "handshake_ack", ProjectID: c.projectID, Records: hs.Records, State: hs.State}
	for _, r := range hs.Records {
		if r.Seq > ack.Seq {
			ack.Seq = r.Seq
		}
	}
	c.enqueue(ack)

	// pump accepted ops to this connection until the coordinator drops
	// the subscription or replaces it with a newer attach
	go func(projectID string, events <-chan coordinator.Event) {
		for evt := range events {
			queued := c.enqueue(OpBroadcastMessage{
				Type:       "op_broadcast",
				ProjectID:  projectID,
				Seq:        evt.Record.Seq,
				From:       evt.From,
				Op:         evt.Record.Op,
				AcceptedAt: time.Now(),
			})
			if !queued {
				// an op this client never sees means divergence until it
				// re-handshakes; force the reconnect instead of dropping
				log.Printf("dropping slow connection (project=%s, replica=%s, seq=%d)", projectID, c.replicaID, evt.Record.Seq)
				_ = c.ws.Close()
				return
			}
		}
	}(c.projectID, hs.Events)
}

func (c *Conn) handleOpSubmit(ctx context.Context, op crdt.Operation) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.enqueue(OpRejectedMessage{Type: "op_rejected", ProjectID: c.projectID, OpID: op.ID, Code: "BUSY", Reason: err.Error()})
		return
	}
	defer c.sem.Release()

	coord := c.arena.Project(c.projectID)
	seq, err := coord.Submit(ctx, op, c.replicaID)
	if err != nil {
		c.enqueue(OpRejectedMessage{Type: "op_rejected", ProjectID: c.projectID, OpID: op.ID, Code: rejectCode(err), Reason: err.Error()})
		return
	}
	c.enqueue(OpAcceptedMessage{Type: "op_accepted", ProjectID: c.projectID, OpID: op.ID, Seq: seq})
}

func rejectCode(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrCausalGap):
		return "CAUSAL_GAP"
	case errors.Is(err, coordinator.ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, crdt.ErrUnknownTarget):
		return "UNKNOWN_TARGET"
	case errors.Is(err, crdt.ErrBadOperation):
		return "BAD_OPERATION"
	default:
		return "UNAVAILABLE"
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	defer func() {
		if c.projectID != "" {
			c.hub.Leave(c.projectID, c)
			c.arena.Project(c.projectID).Detach(c.replicaID)
		}
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (replica=%s, project=%s): %v", c.replicaID, c.projectID, err)
			return
		}
		switch msg.Type {
		case "handshake":
			c.handleHandshake(ctx, msg)

		case "op_submit":
			if c.projectID == "" || msg.Op == nil {
				c.enqueue(ServerMessage{Type: "error", Content: "HANDSHAKE_REQUIRED"})
				continue
			}
			op := *msg.Op
			op.ProjectID = c.projectID
			c.handleOpSubmit(ctx, op)

		case "ack":
			if c.projectID == "" {
				continue
			}
			c.arena.Project(c.projectID).Ack(c.replicaID, msg.Seq)

		case "heartbeat":
			if c.projectID == "" {
				c.enqueue(ServerMessage{Type: "error", Content: "HANDSHAKE_REQUIRED"})
				continue
			}
			if err := c.hub.presence.Heartbeat(ctx, c.projectID, c.replicaID, c.displayName, presenceTTL); err != nil {
				log.Printf("presence heartbeat error: %v", err)
			}
			members, err := c.hub.presence.AliveMembers(ctx, c.projectID)
			if err != nil {
				log.Printf("alive members error: %v", err)
			}
			c.hub.BroadcastPresence(c.projectID, members)
			c.enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

		case "focus":
			if c.projectID == "" {
				continue
			}
			if err := c.hub.presence.SetFocus(ctx, c.projectID, c.replicaID, msg.Focus, focusTTL); err != nil {
				log.Printf("set focus error: %v", err)
			}
			c.hub.BroadcastFocus(c.projectID, c.replicaID, msg.Focus)

		default:
			c.enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
