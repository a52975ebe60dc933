package channel

import "errors"

// State reflects the liveness of a channel.
type State uint8

const (
	// StateConnecting indicates the channel is not yet usable.
	StateConnecting State = iota
	// StateOpen indicates the channel accepts sends.
	StateOpen
	// StateClosing indicates a close is in progress; sends will fail.
	StateClosing
	// StateClosed indicates the channel is gone.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrChannelNotOpen indicates a send on a channel that is not open.
var ErrChannelNotOpen = errors.New("channel is not open")

// Channel is the transport contract consumed by the transfer engine. All
// transfers multiplexed over one underlying connection share its buffered
// byte signal; the engine throttles against it but does not arbitrate
// fairness between transfers.
type Channel interface {
	// Send queues one binary message for transmission. It may fail
	// transiently on a congested-but-open channel and permanently once the
	// channel is closed.
	Send(data []byte) error

	// BufferedAmount reports bytes queued for transmission but not yet
	// handed to the transport.
	BufferedAmount() uint64

	// ReadyState reports channel liveness.
	ReadyState() State

	// OnMessage registers the handler for inbound binary messages. Messages
	// are delivered one at a time, in arrival order.
	OnMessage(handler func(data []byte))

	// Close tears the channel down.
	Close() error
}
