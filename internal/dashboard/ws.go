package dashboard

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 512
)

// The status stream is read-only and unauthenticated, like the rest of the API.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS upgrades to a websocket and pushes the bot status as JSON every
// interval until the client goes away.
func handleWS(p Provider, interval time.Duration, log logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.V(1).Info("websocket upgrade failed", "error", err.Error())
			return
		}

		done := make(chan struct{})
		go readPump(conn, done, log)
		writePump(conn, p, interval, done)
	}
}

// readPump discards client frames, keeping pong deadlines alive, and closes
// done when the connection ends.
func readPump(conn *websocket.Conn, done chan<- struct{}, log logr.Logger) {
	defer close(done)

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.V(1).Info("websocket client disconnected", "error", err.Error())
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, p Provider, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ping.Stop()
		conn.Close()
	}()

	send := func() bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(p.Status()) == nil
	}
	if !send() {
		return
	}

	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			if !send() {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
