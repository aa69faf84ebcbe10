package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"zenixcore/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// logStream streams every EventLogAppended entry over a websocket,
// optionally filtered to a single user via ?user_id=.
func (s *Server) logStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	filterUser := c.Query("user_id")
	stream, unsub := s.Bus.Subscribe(events.EventLogAppended, 256)
	defer unsub()

	for msg := range stream {
		payload, ok := msg.(events.LogAppendedPayload)
		if !ok {
			continue
		}
		if filterUser != "" && payload.UserID != filterUser {
			continue
		}
		if err := conn.WriteJSON(payload); err != nil {
			log.Printf("api: ws write: %v", err)
			return
		}
	}
}
