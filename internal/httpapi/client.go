package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is a single connected admin feed peer. The protocol is
// server-push only — clients send nothing but pong frames.
type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan Message

	logger *zap.Logger
}

func newWSClient(h *hub, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*wsClient, error) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// run registers the client with the hub and pumps messages until the
// connection closes. Blocks, so callers invoke it directly from the
// upgrade handler.
func (c *wsClient) run() {
	c.hub.subscribe(c)

	go c.writePump()
	c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("admin feed: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("admin feed: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("admin feed: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("admin feed: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("admin feed: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("admin feed: ping error", zap.Error(err))
				return
			}
		}
	}
}
