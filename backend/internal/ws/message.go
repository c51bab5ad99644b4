package ws

import (
	"encoding/json"
	"time"

	"nexusServer/backend/internal/cache"
	"nexusServer/backend/internal/clock"
	"nexusServer/backend/internal/crdt"
	"nexusServer/backend/internal/oplog"
)

type ClientMessage struct {
	Type        string          `json:"type"`
	ProjectID   string          `json:"projectId,omitempty"`
	ReplicaID   string          `json:"replicaId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Since       clock.Version   `json:"since,omitempty"`
	Op          *crdt.Operation `json:"op,omitempty"`
	Seq         uint64          `json:"seq,omitempty"`
	Focus       json.RawMessage `json:"focus,omitempty"`
}

type ServerMessage struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	ReplicaID string          `json:"replicaId,omitempty"`
	Members   []cache.Member  `json:"members,omitempty"`
	Focus     json.RawMessage `json:"focus,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// HandshakeAckMessage answers a handshake: either the log records the
// replica is missing, or a full state when the gap predates the
// retained log. Seq is the newest sequence covered.
type HandshakeAckMessage struct {
	Type      string              `json:"type"` // "handshake_ack"
	ProjectID string              `json:"projectId"`
	Records   []oplog.Record      `json:"records,omitempty"`
	State     *crdt.DocumentState `json:"state,omitempty"`
	Seq       uint64              `json:"seq"`
}

type OpAcceptedMessage struct {
	Type      string          `json:"type"` // "op_accepted"
	ProjectID string          `json:"projectId"`
	OpID      clock.Timestamp `json:"opId"`
	Seq       uint64          `json:"seq"`
}

type OpRejectedMessage struct {
	Type      string          `json:"type"` // "op_rejected"
	ProjectID string          `json:"projectId"`
	OpID      clock.Timestamp `json:"opId"`
	Code      string          `json:"code"`
	Reason    string          `json:"reason,omitempty"`
}

// OpBroadcastMessage pushes an accepted operation to every other
// replica in the project room, in sequence order.
type OpBroadcastMessage struct {
	Type       string         `json:"type"` // "op_broadcast"
	ProjectID  string         `json:"projectId"`
	Seq        uint64         `json:"seq"`
	From       string         `json:"from"`
	Op         crdt.Operation `json:"op"`
	AcceptedAt time.Time      `json:"acceptedAt,omitempty"`
}
