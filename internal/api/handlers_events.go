package api

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeworks/forge/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// Buffer per client; slow consumers are disconnected rather than
	// allowed to stall the stream.
	clientBuffer = 256
)

// handleEventStream handles GET /api/v1/events/stream, upgrading to a
// WebSocket that relays bus events to the client.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] WebSocket upgrade failed: %v", err)
		return
	}

	// Optional filters from query params.
	projectID := r.URL.Query().Get("project_id")
	eventType := r.URL.Query().Get("type")

	send := make(chan events.Event, clientBuffer)
	subscriberID := fmt.Sprintf("ws-%d", time.Now().UnixNano())

	err = s.core.Bus().Subscribe(subscriberID, func(e events.Event) {
		if projectID != "" && e.ProjectID != projectID {
			return
		}
		if eventType != "" && e.Type != eventType {
			return
		}
		select {
		case send <- e:
		default:
			// Client is not keeping up; it will be dropped on the
			// next write timeout.
		}
	})
	if err != nil {
		conn.Close()
		return
	}

	// Reader: discard client frames, detect close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.core.Bus().Unsubscribe(subscriberID)
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// originAllowed applies the configured CORS origins to WebSocket upgrades.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.Security.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Security.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
