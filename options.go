package ferry

import (
	"fmt"

	"github.com/ferrylabs/ferry/obfs"
	"github.com/ferrylabs/ferry/transfer"
)

// Options configures a Ferry instance.
type Options struct {
	// Key is the obfuscation key applied to every frame. Both endpoints must
	// be configured with the same key out of band; there is no negotiation on
	// the channel.
	Key []byte

	// Config tunes chunking, flow control and retry behavior for every
	// transfer started through this instance.
	Config transfer.Config
}

// NewOptions returns the default configuration with a freshly generated
// obfuscation key. Callers connecting two endpoints must distribute one key
// to both sides rather than letting each generate its own.
func NewOptions() (*Options, error) {
	key, err := obfs.NewKey(obfs.DefaultKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate obfuscation key: %w", err)
	}

	return &Options{
		Key:    key,
		Config: transfer.DefaultConfig(),
	}, nil
}
