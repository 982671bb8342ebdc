package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

var errSendBufferFull = errors.New("send buffer full")

// conn wraps one accepted websocket connection. Outbound frames go through
// a buffered channel drained by writePump, so any goroutine may call Send
// without holding the connection's write lock.
type conn struct {
	id string
	ws *websocket.Conn

	// userId is assigned by the actor at auth and only touched from the
	// actor goroutine afterwards.
	userId string

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Send queues one frame for delivery. It fails instead of blocking when the
// peer is not draining its buffer.
func (c *conn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		return errSendBufferFull
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (s *Server) readPump(ctx context.Context, c *conn) {
	defer func() {
		s.disconnect(c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.InfoContext(ctx, "read error", "error", err)
			}
			return
		}

		s.dispatch(ctx, c, data)
	}
}

func (s *Server) writePump(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.DebugContext(ctx, "write error", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
