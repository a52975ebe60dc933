package transfer

import (
	"fmt"
	"time"

	"github.com/ferrylabs/ferry/wire"
)

// Defaults for Config fields. Chunk size stays well under the frame ceiling;
// the buffer budget matches common data-channel buffering guidance.
const (
	DefaultChunkSize        = 16 * 1024
	DefaultMaxBufferedBytes = 256 * 1024
	DefaultSendDelay        = 5 * time.Millisecond
	DefaultMaxRetries       = 5
	DefaultFlowMaxAttempts  = 100
	DefaultStallTimeout     = 30 * time.Second
)

// File size classes used to scale the inter-chunk pacing delay. Larger files
// get longer delays so a sustained stream does not saturate the channel.
const (
	largeFileBytes = 32 << 20
	hugeFileBytes  = 256 << 20
)

// Config carries the tuning knobs shared by senders and receivers. A zero
// Config is invalid; start from DefaultConfig.
type Config struct {
	// ChunkSize is the number of payload bytes per packet. Must be positive
	// and fit the wire format's payload ceiling.
	ChunkSize int

	// MaxBufferedBytes is the channel buffer budget handed to the flow
	// controller. Waits resolve at a quarter of this value.
	MaxBufferedBytes uint64

	// SendDelay is the base inter-chunk pacing delay. Scaled up for large
	// files and congested channels; zero disables pacing.
	SendDelay time.Duration

	// MaxRetries is the number of transmission attempts per chunk before the
	// sender fails with ErrRetriesExhausted.
	MaxRetries int

	// FlowMaxAttempts bounds capacity polls per wait; see flow.Controller.
	FlowMaxAttempts int

	// StallTimeout fails a sender that makes no forward progress for this
	// long. Zero disables stall detection.
	StallTimeout time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		MaxBufferedBytes: DefaultMaxBufferedBytes,
		SendDelay:        DefaultSendDelay,
		MaxRetries:       DefaultMaxRetries,
		FlowMaxAttempts:  DefaultFlowMaxAttempts,
		StallTimeout:     DefaultStallTimeout,
	}
}

// Validate rejects configurations the wire format or state machines cannot
// honor.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkSize > wire.MaxPayloadSize {
		return fmt.Errorf("chunk size %d exceeds wire payload limit %d", c.ChunkSize, wire.MaxPayloadSize)
	}
	if c.MaxBufferedBytes == 0 {
		return fmt.Errorf("buffer budget must be positive")
	}
	if c.SendDelay < 0 {
		return fmt.Errorf("send delay must not be negative, got %v", c.SendDelay)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.FlowMaxAttempts < 1 {
		return fmt.Errorf("flow max attempts must be at least 1, got %d", c.FlowMaxAttempts)
	}
	if c.StallTimeout < 0 {
		return fmt.Errorf("stall timeout must not be negative, got %v", c.StallTimeout)
	}
	return nil
}
