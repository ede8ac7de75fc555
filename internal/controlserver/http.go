package controlserver

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/snapfan/internal/consts"
	"github.com/codefionn/snapfan/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  consts.BufferSize1KB,
	WriteBufferSize: consts.BufferSize1KB,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// oneShot captures the single response to an HTTP POST request
type oneShot struct {
	id       string
	response chan string
}

func (o *oneShot) ID() string { return o.id }

func (o *oneShot) Send(text string) {
	select {
	case o.response <- text:
	default:
	}
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, consts.MaxRequestSize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	sub := &oneShot{id: uuid.NewString(), response: make(chan string, 1)}
	s.receiver.OnMessageReceived(sub, string(body))

	select {
	case text := <-sub.response:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, text)
	default:
		// notifications carry no response
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"subscribers": s.Len(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	session := &wsSession{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		send:     make(chan string, consts.SendQueueSize),
		stopChan: make(chan struct{}),
	}
	s.register(session)
	go session.writePump()
	go session.readPump()
	logger.Info("New WebSocket control connection from %s", r.RemoteAddr)
}

// wsSession is a control connection over WebSocket text frames
type wsSession struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send     chan string
	stopOnce sync.Once
	stopChan chan struct{}
}

func (c *wsSession) ID() string { return c.id }

func (c *wsSession) Send(text string) {
	select {
	case <-c.stopChan:
	case c.send <- text:
	default:
		logger.Warn("WebSocket session %s send queue full, dropping message", c.id)
	}
}

func (c *wsSession) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.server.unregister(c)
		c.conn.Close()
	})
}

func (c *wsSession) readPump() {
	defer c.Stop()

	c.conn.SetReadLimit(consts.MaxRequestSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error: %v", err)
			}
			return
		}
		c.server.receiver.OnMessageReceived(c, string(message))
	}
}

func (c *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Stop()
	}()

	for {
		select {
		case <-c.stopChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case text := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				logger.Warn("Failed to write WebSocket message: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
