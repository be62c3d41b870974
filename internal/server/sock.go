package server

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/svrl/svrl/internal/orchestrator"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

// handleSock streams state messages to a websocket client, starting with
// the current session state
func (s *Server) handleSock(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	msgs, lagged, cancel := s.deps.Hub.SubscribeLagged()
	defer cancel()

	// Clients only send control frames; reading is needed to process them
	// and to notice the client going away
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := send(conn, s.sessionState()); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.stop:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := send(conn, msg); err != nil {
				s.log.Debugw("websocket client dropped", "error", err)
				return
			}
		case <-lagged:
			// Buffered messages may predate the drop; replace them with the
			// current session state
			drain(msgs)
			if err := send(conn, s.sessionState()); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func send(conn *websocket.Conn, msg string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func drain(msgs <-chan string) {
	for {
		select {
		case _, ok := <-msgs:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// sessionState renders the current session as a state message
func (s *Server) sessionState() string {
	active, ok := s.deps.Sessions.Active()
	if !ok {
		return orchestrator.MessageInactive
	}
	data, err := json.Marshal(active)
	if err != nil {
		return orchestrator.MessageInactive
	}
	return orchestrator.MessageActivePrefix + string(data)
}
