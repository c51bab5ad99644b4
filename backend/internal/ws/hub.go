package ws

import (
	"sync"

	"nexusServer/backend/internal/cache"
)

type Hub struct {
	presence cache.PresenceCache
	mu       sync.RWMutex
	// projectID -> set of connections; a user with several tabs or
	// devices holds several connections, so rooms track conns, not users
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(projectID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[projectID] == nil {
		h.rooms[projectID] = make(map[*Conn]struct{})
	}
	h.rooms[projectID][c] = struct{}{}
}

func (h *Hub) Leave(projectID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[projectID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, projectID)
		}
	}
}

func (h *Hub) BroadcastPresence(projectID string, members []cache.Member) {
	h.mu.RLock()
	conns := h.rooms[projectID]
	h.mu.RUnlock()
	msg := ServerMessage{Type: "presence", ProjectID: projectID, Members: members}
	for c := range conns {
		c.enqueue(msg)
	}
}

// BroadcastFocus tells everyone else in the room what a replica is
// editing. Ephemeral: never logged, lost on disconnect.
func (h *Hub) BroadcastFocus(projectID, replicaID string, focus []byte) {
	h.mu.RLock()
	conns := h.rooms[projectID]
	h.mu.RUnlock()
	msg := ServerMessage{Type: "focus", ProjectID: projectID, ReplicaID: replicaID, Focus: focus}
	for c := range conns {
		if c.replicaID == replicaID {
			continue
		}
		c.enqueue(msg)
	}
}
