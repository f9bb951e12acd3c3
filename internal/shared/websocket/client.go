package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024

	sendBuffer = 32
)

// ErrClientClosed is returned when sending to a client that went away.
var ErrClientClosed = errors.New("websocket client closed")

// Conn is the part of *websocket.Conn the pumps use.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Client represents a ws individual connection
type Client struct {
	Hub  *Hub
	Conn Conn
	// Buffered channel of outbound messages, never closed.
	Send chan []byte
	// Topic is the auction id the client streams.
	Topic string
	// Unique identifier for the client
	ID string

	done       chan struct{} // closed by Close
	finish     chan struct{} // closed by Finish
	closeOnce  sync.Once
	finishOnce sync.Once
}

func NewClient(hub *Hub, conn Conn, id, topic string) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		Topic:  topic,
		ID:     id,
		done:   make(chan struct{}),
		finish: make(chan struct{}),
	}
}

// Enqueue waits for room in the send buffer. It fails once the client is
// closed or ctx is done.
func (c *Client) Enqueue(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.Send <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues msg without blocking and reports whether it was queued.
func (c *Client) TrySend(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// Finish asks the writer to flush what is queued, send a close frame and stop.
func (c *Client) Finish() {
	c.finishOnce.Do(func() { close(c.finish) })
}

// Close stops both pumps without flushing.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// ReadPump reads client messages and hands them to the Hub InboundMessages
// channel. It returns when the peer goes away or the client is closed.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.UnregisterClient(c)
		c.Close()
		log.Info("ReadPump stopped for client",
			zap.String("clientID", c.ID),
			zap.String("topic", c.Topic),
		)
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { return c.Conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error("WebSocket read error",
					zap.String("clientID", c.ID),
					zap.String("topic", c.Topic),
					zap.Error(err),
				)
			} else {
				log.Info("WebSocket connection closed",
					zap.String("clientID", c.ID),
					zap.String("topic", c.Topic),
					zap.Error(err),
				)
			}
			return
		}

		select {
		case c.Hub.InboundMessages <- &ClientMessage{Client: c, Data: message}:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
			log.Error("Hub InboundMessages channel is full, dropping message",
				zap.String("clientID", c.ID),
				zap.String("topic", c.Topic),
				zap.ByteString("message", message),
			)
		}
	}
}

// WritePump pumps queued messages to the websocket connection. It is the
// only writer of the connection.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.Conn.Close()
		log.Info("WritePump stopped for client",
			zap.String("clientID", c.ID),
			zap.String("topic", c.Topic),
		)
	}()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "server shutting down")
			return

		case <-c.done:
			return

		case <-c.finish:
			if c.flush() {
				c.writeClose(websocket.CloseNormalClosure, "stream finished")
			}
			return

		case msg := <-c.Send:
			if !c.write(msg) {
				return
			}

		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Error("Failed to write ping message to client",
					zap.String("clientID", c.ID),
					zap.String("topic", c.Topic),
					zap.Error(err),
				)
				return
			}
		}
	}
}

// flush writes whatever is still queued.
func (c *Client) flush() bool {
	for {
		select {
		case msg := <-c.Send:
			if !c.write(msg) {
				return false
			}
		default:
			return true
		}
	}
}

func (c *Client) write(msg []byte) bool {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		log.Error("Failed to write message to client",
			zap.String("clientID", c.ID),
			zap.String("topic", c.Topic),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (c *Client) writeClose(code int, reason string) {
	err := c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	if err != nil {
		log.Debug("Failed to send close control message",
			zap.String("clientID", c.ID),
			zap.String("topic", c.Topic),
			zap.Error(err),
		)
	}
}
