package channel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// pipeQueueDepth bounds in-flight messages per direction of a Pipe.
const pipeQueueDepth = 1024

// pipeEnd is one side of an in-process channel pair. Messages are delivered
// to the peer's handler by a dedicated dispatch goroutine, preserving send
// order and mimicking a real channel's asynchronous inbound event.
type pipeEnd struct {
	inbox    chan []byte
	done     chan struct{}
	buffered atomic.Int64
	closed   atomic.Bool
	peer     *pipeEnd

	handlerMu sync.RWMutex
	handler   func(data []byte)

	closeOnce sync.Once
}

// Pipe returns a connected pair of in-process channels. Whatever one side
// sends arrives, in order, at the other side's OnMessage handler. Intended
// for tests and demos.
func Pipe() (Channel, Channel) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer = b
	b.peer = a

	go a.dispatch()
	go b.dispatch()

	return a, b
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{
		inbox: make(chan []byte, pipeQueueDepth),
		done:  make(chan struct{}),
	}
}

// Send delivers one message to the peer's inbox.
func (p *pipeEnd) Send(data []byte) error {
	if p.closed.Load() || p.peer.closed.Load() {
		return fmt.Errorf("%w: pipe closed", ErrChannelNotOpen)
	}

	msg := append([]byte(nil), data...)
	p.buffered.Add(int64(len(msg)))

	select {
	case p.peer.inbox <- msg:
		// The sender's buffered amount drains once the peer consumes the
		// message; see dispatch.
		return nil
	case <-p.done:
		p.buffered.Add(-int64(len(msg)))
		return fmt.Errorf("%w: pipe closed", ErrChannelNotOpen)
	case <-p.peer.done:
		p.buffered.Add(-int64(len(msg)))
		return fmt.Errorf("%w: pipe closed", ErrChannelNotOpen)
	}
}

// BufferedAmount reports bytes sent but not yet consumed by the peer.
func (p *pipeEnd) BufferedAmount() uint64 {
	buffered := p.buffered.Load()
	if buffered < 0 {
		return 0
	}
	return uint64(buffered)
}

// ReadyState reports open until either side closes.
func (p *pipeEnd) ReadyState() State {
	if p.closed.Load() || p.peer.closed.Load() {
		return StateClosed
	}
	return StateOpen
}

// OnMessage registers the inbound message handler.
func (p *pipeEnd) OnMessage(handler func(data []byte)) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.handler = handler
}

// Close shuts down this end; the peer observes StateClosed on its next poll.
func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
	return nil
}

func (p *pipeEnd) dispatch() {
	for {
		select {
		case msg := <-p.inbox:
			p.handlerMu.RLock()
			handler := p.handler
			p.handlerMu.RUnlock()

			if handler != nil {
				handler(msg)
			}
			p.peer.buffered.Add(-int64(len(msg)))
		case <-p.done:
			return
		}
	}
}
