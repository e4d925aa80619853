package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/padshare/internal/metrics"
	"github.com/manpreetbhatti/padshare/internal/protocol"
	"github.com/manpreetbhatti/padshare/internal/ratelimit"
	"github.com/manpreetbhatti/padshare/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	frameOverhead  = 64 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	roomID      string
	rateLimiter *ratelimit.Limiter
	clientID    string
}

// ServeWS upgrades /ws/{room} (or /ws?room=) and attaches the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	if roomID == "" {
		roomID = r.URL.Query().Get("room")
	}
	if err := storage.ValidateName(roomID); err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws.upgrade", "err", err)
		return
	}

	client := &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		roomID:      roomID,
		rateLimiter: ratelimit.NewLimiter(h.opts.MessagesPerSecond, h.opts.MessageBurst),
		clientID:    uuid.NewString(),
	}

	if err := h.Join(r.Context(), roomID, client); err != nil {
		h.log.Error("ws.join", "room", roomID, "err", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) ID() string { return c.clientID }

// Send queues msg without blocking. A full buffer or closed client fails.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket and ends the read pump.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Leave(c.roomID, c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(c.hub.opts.MaxTextBytes + frameOverhead))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.log.Info("ws.read", "room", c.roomID, "conn", c.clientID, "err", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.log.Warn("ws.ratelimit", "room", c.roomID, "conn", c.clientID, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				c.hub.log.Warn("ws.ratelimit.disconnect", "room", c.roomID, "conn", c.clientID)
				return
			}
			continue
		}

		if err := c.handle(message); err != nil {
			metrics.IncMalformed()
			c.hub.log.Debug("ws.message.dropped", "room", c.roomID, "conn", c.clientID, "err", err)
		}
	}
}

var (
	errTextTooLarge = errors.New("text exceeds size limit")
	errStaleNotice  = errors.New("file notice does not match room files")
)

func (c *Client) handle(data []byte) error {
	m, err := protocol.Parse(data)
	if err != nil {
		return err
	}

	switch m.Type {
	case protocol.MessageUpdate:
		if len(*m.Code) > c.hub.opts.MaxTextBytes {
			return errTextTooLarge
		}
		c.hub.Update(context.Background(), c.roomID, c, *m.Code)
	case protocol.MessageFile, protocol.MessageDelete:
		if err := storage.ValidateName(m.Filename); err != nil {
			return err
		}
		if !c.hub.Relay(c.roomID, m) {
			return errStaleNotice
		}
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
