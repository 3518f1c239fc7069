// Package wsconn provides the read/write-pump connection wrapper shared by
// every WebSocket surface the coordinator touches: inbound doc-channel and
// control connections from peers, and the outbound connections the
// coordinator itself dials (the Push Projector's push socket, the
// Server-Backed Transport's link to a remote CRDT server).
package wsconn

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1MiB: doc-channel SYNC payloads can carry a full workflow document
)

// Conn wraps a *websocket.Conn with the send-queue/ping-keepalive pattern
// the fanout package's Client uses, generalized to carry either text or
// binary frames and to work for connections the coordinator dials out as
// well as ones it accepts.
type Conn struct {
	ws   *websocket.Conn
	send chan Frame

	// OnMessage is invoked from the read pump's goroutine for every inbound
	// frame. It must not block.
	OnMessage func(Frame)
	// OnClose is invoked once, from whichever pump notices the connection
	// died first.
	OnClose func(error)

	closeOnce chan struct{}
}

// Frame is one WebSocket message: its gorilla message type (TextMessage or
// BinaryMessage) and payload bytes.
type Frame struct {
	Type    int
	Payload []byte
}

// TextFrame builds a text Frame.
func TextFrame(payload []byte) Frame { return Frame{Type: websocket.TextMessage, Payload: payload} }

// BinaryFrame builds a binary Frame.
func BinaryFrame(payload []byte) Frame {
	return Frame{Type: websocket.BinaryMessage, Payload: payload}
}

// New wraps an established *websocket.Conn. Call Run to start its pumps.
func New(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:        ws,
		send:      make(chan Frame, 256),
		closeOnce: make(chan struct{}),
	}
}

// Send enqueues a frame for delivery. It never blocks the caller for long:
// if the send buffer is full the connection is considered dead and is
// closed, matching the hub's best-effort "close on full buffer" broadcast
// policy.
func (c *Conn) Send(f Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		c.closeOnceFn()
		return false
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnceFn()
}

func (c *Conn) closeOnceFn() {
	select {
	case <-c.closeOnce:
	default:
		close(c.closeOnce)
		c.ws.Close()
	}
}

// Run starts the read and write pumps and blocks until the connection
// closes. Callers typically invoke it in its own goroutine.
func (c *Conn) Run() {
	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()
	c.readPump()
	<-done
}

func (c *Conn) readPump() {
	var closeErr error
	defer func() {
		c.closeOnceFn()
		if c.OnClose != nil {
			c.OnClose(closeErr)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			closeErr = err
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(Frame{Type: msgType, Payload: payload})
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeOnce:
			return
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(frame.Type, frame.Payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
