package channel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsQueueDepth bounds the number of outbound messages queued on a WSChannel
// before Send blocks. The transfer engine's flow control keeps occupancy far
// below this in practice.
const wsQueueDepth = 64

// WSChannel adapts a gorilla websocket connection to the Channel contract.
// Writes go through a single writer goroutine (gorilla permits at most one
// concurrent writer); the queued-but-unwritten byte count is reported as
// BufferedAmount so the flow controller has a real back-pressure signal.
type WSChannel struct {
	conn     *websocket.Conn
	out      chan []byte
	done     chan struct{}
	buffered atomic.Int64
	closed   atomic.Bool

	// handlerMu serializes inbound delivery with handler registration.
	// Messages read before a handler exists are held in preHandler and
	// flushed, in order, when one registers.
	handlerMu  sync.Mutex
	handler    func(data []byte)
	preHandler [][]byte

	closeOnce sync.Once
}

// NewWSChannel wraps an established websocket connection and starts its
// reader and writer loops. The connection is owned by the channel afterwards.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{
		conn: conn,
		out:  make(chan []byte, wsQueueDepth),
		done: make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewWSChannel",
		"remote":   conn.RemoteAddr().String(),
	}).Debug("Websocket channel established")

	return c
}

// Send queues one binary message. Blocks only if the writer goroutine has
// fallen wsQueueDepth messages behind.
func (c *WSChannel) Send(data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: websocket closed", ErrChannelNotOpen)
	}

	c.buffered.Add(int64(len(data)))

	select {
	case c.out <- data:
		return nil
	case <-c.done:
		c.buffered.Add(-int64(len(data)))
		return fmt.Errorf("%w: websocket closed", ErrChannelNotOpen)
	}
}

// BufferedAmount reports outbound bytes queued but not yet written to the
// websocket.
func (c *WSChannel) BufferedAmount() uint64 {
	buffered := c.buffered.Load()
	if buffered < 0 {
		return 0
	}
	return uint64(buffered)
}

// ReadyState reports open until the connection fails or Close is called.
func (c *WSChannel) ReadyState() State {
	if c.closed.Load() {
		return StateClosed
	}
	return StateOpen
}

// OnMessage registers the inbound binary message handler. Messages that
// arrived before registration are delivered first, in arrival order.
func (c *WSChannel) OnMessage(handler func(data []byte)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.handler = handler
	for _, data := range c.preHandler {
		handler(data)
	}
	c.preHandler = nil
}

// Close tears down the connection and unblocks pending sends.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSChannel) writeLoop() {
	for {
		select {
		case data := <-c.out:
			err := c.conn.WriteMessage(websocket.BinaryMessage, data)
			c.buffered.Add(-int64(len(data)))
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writeLoop",
					"error":    err.Error(),
				}).Warn("Websocket write failed, closing channel")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSChannel) readLoop() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Debug("Websocket read failed, closing channel")
			}
			c.Close()
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		c.handlerMu.Lock()
		if c.handler != nil {
			c.handler(data)
		} else {
			c.preHandler = append(c.preHandler, data)
		}
		c.handlerMu.Unlock()
	}
}
