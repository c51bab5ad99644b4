package ws

import (
	"log"
	"net/http"
	"strings"

	"nexusServer/backend/internal/coordinator"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h     *Hub
	arena *coordinator.Arena
	sem   *coordinator.Semaphore
}

func NewManager(h *Hub, arena *coordinator.Arena, sem *coordinator.Semaphore) *Manager {
	return &Manager{h: h, arena: arena, sem: sem}
}

// WebSocketConnect upgrades the request and runs the sync protocol for
// one client replica. Identity comes from the auth middleware; the
// replica announces itself in its handshake message.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	displayName := c.GetString("displayName")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, m.arena, m.sem, displayName)

	go wsConn.writeLoop()
	wsConn.enqueue(ServerMessage{Type: "welcome", Content: "connected, send a handshake to join a project"})

	wsConn.readLoop(c.Request.Context())
}
