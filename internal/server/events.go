package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/joss/fraude/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents handles GET /interactions/:id/events. Updates are written as
// JSON text messages until the interaction ends or the client goes away.
func (s *Server) handleEvents(c *gin.Context) {
	id := c.Param("id")
	updates, stop, err := s.manager.Subscribe(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer stop()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket_upgrade_failed", map[string]any{"interaction": id}, err)
		return
	}
	defer ws.Close()

	// The read pump only detects the client closing the socket.
	gone := make(chan struct{})
	logging.SafeGo("server", func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case u, ok := <-updates:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "interaction finished"))
				return
			}
			if err := ws.WriteJSON(u); err != nil {
				s.log.Debug("websocket_write_failed", map[string]any{"interaction": id, "error": err.Error()})
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
