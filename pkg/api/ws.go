package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Dashboards may be served from a different origin; the socket
		// carries no client-to-server commands.
		return true
	},
}

// handleNodesSocket upgrades the connection and hands it to the roster,
// which immediately sends one snapshot and keeps the socket until close.
func (s *server) handleNodesSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("WebSocket upgrade failed")

		return
	}

	s.roster.Subscribe(conn)
}
