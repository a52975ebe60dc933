package channel

import (
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// DataChannel adapts a pion WebRTC data channel to the Channel contract.
// The data channel must be negotiated as ordered (the pion default) so the
// in-order delivery assumption of the transfer engine holds.
type DataChannel struct {
	dc *webrtc.DataChannel
}

// WrapDataChannel wraps an already-negotiated pion data channel.
func WrapDataChannel(dc *webrtc.DataChannel) *DataChannel {
	logrus.WithFields(logrus.Fields{
		"function": "WrapDataChannel",
		"label":    dc.Label(),
	}).Debug("Wrapping WebRTC data channel")

	return &DataChannel{dc: dc}
}

// Send queues one binary message on the data channel.
func (c *DataChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

// BufferedAmount reports bytes queued on the data channel but not yet sent.
func (c *DataChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

// ReadyState maps the pion data channel state onto the Channel state enum.
func (c *DataChannel) ReadyState() State {
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateConnecting:
		return StateConnecting
	case webrtc.DataChannelStateOpen:
		return StateOpen
	case webrtc.DataChannelStateClosing:
		return StateClosing
	default:
		return StateClosed
	}
}

// OnMessage registers the inbound binary message handler. Non-binary
// messages are ignored.
func (c *DataChannel) OnMessage(handler func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			logrus.WithFields(logrus.Fields{
				"function": "OnMessage",
				"label":    c.dc.Label(),
			}).Debug("Ignoring string message on binary channel")
			return
		}
		handler(msg.Data)
	})
}

// Close closes the underlying data channel.
func (c *DataChannel) Close() error {
	return c.dc.Close()
}
