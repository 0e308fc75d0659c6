package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans fresh latest values out to websocket subscribers, grouped
// by system.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[int64]map[*websocket.Conn]bool)}
}

func (h *Hub) Add(systemID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[systemID] == nil {
		h.clients[systemID] = make(map[*websocket.Conn]bool)
	}
	h.clients[systemID][conn] = true
}

func (h *Hub) Remove(systemID int64, conn *websocket.Conn) {
	h.mu.Lock()
	if clients := h.clients[systemID]; clients != nil {
		delete(clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}

// Broadcast sends the values to every subscriber of the system. Write
// failures drop the client.
func (h *Hub) Broadcast(systemID int64, values []types.LatestValue) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[systemID]))
	for conn := range h.clients[systemID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}
	data, err := json.Marshal(values)
	if err != nil {
		log.Printf("Error marshaling latest values: %v", err)
		return
	}
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.Remove(systemID, conn)
		}
	}
}

// handleLive upgrades to a websocket, replays the current latest-value
// index and then streams every subsequent ingestion of the system.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := systemID(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	s.hub.Add(id, conn)

	if values, err := s.ingest.Latest(id); err == nil && len(values) > 0 {
		if data, err := json.Marshal(values); err == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.Remove(id, conn)
			break
		}
	}
}
