package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ferrylabs/ferry/channel"
)

var (
	// ErrChannelClosed indicates the channel was observed closed while
	// waiting for capacity. Further sends cannot succeed.
	ErrChannelClosed = errors.New("channel closed while awaiting capacity")

	// ErrBufferTimeout indicates the channel's buffer never drained within
	// the polling budget. Retryable at the sender's discretion.
	ErrBufferTimeout = errors.New("channel buffer did not drain in time")
)

// Poll interval tiers: heavier occupancy polls less often.
const (
	pollIntervalSlow   = 200 * time.Millisecond
	pollIntervalMedium = 100 * time.Millisecond
	pollIntervalFast   = 50 * time.Millisecond

	slowTierBytes   = 32 * 1024
	mediumTierBytes = 16 * 1024
)

// Controller blocks senders until a channel has spare buffer capacity.
type Controller struct {
	// MaxBufferedBytes is the buffer budget. Waits resolve once occupancy
	// drops under a quarter of this value.
	MaxBufferedBytes uint64

	// MaxAttempts bounds the number of polls before giving up with
	// ErrBufferTimeout.
	MaxAttempts int

	// Sleep is the delay primitive between polls. Nil uses a
	// context-sensitive time.Sleep; tests inject their own.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewController returns a controller with the given buffer budget and poll
// attempt limit.
func NewController(maxBufferedBytes uint64, maxAttempts int) *Controller {
	return &Controller{
		MaxBufferedBytes: maxBufferedBytes,
		MaxAttempts:      maxAttempts,
	}
}

// Threshold is the occupancy under which waits resolve. A quarter of the
// budget gives hysteresis between clearing congestion and re-entering it.
func (c *Controller) Threshold() uint64 {
	return c.MaxBufferedBytes / 4
}

// WaitForCapacity blocks until the channel's buffered amount drops under
// Threshold. Returns ErrChannelClosed the moment the channel is observed not
// open, ErrBufferTimeout once MaxAttempts polls pass without capacity, or the
// context error if ctx ends first.
func (c *Controller) WaitForCapacity(ctx context.Context, ch channel.Channel) error {
	var buffered uint64

	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if state := ch.ReadyState(); state != channel.StateOpen {
			return fmt.Errorf("%w: state %s", ErrChannelClosed, state)
		}

		buffered = ch.BufferedAmount()
		if buffered < c.Threshold() {
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"function":  "WaitForCapacity",
			"buffered":  buffered,
			"threshold": c.Threshold(),
			"attempt":   attempt + 1,
		}).Debug("Channel congested, backing off")

		if err := c.sleep(ctx, pollInterval(buffered)); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %d bytes buffered after %d attempts", ErrBufferTimeout, buffered, c.MaxAttempts)
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

// pollInterval picks the back-off tier for the observed occupancy.
func pollInterval(buffered uint64) time.Duration {
	switch {
	case buffered > slowTierBytes:
		return pollIntervalSlow
	case buffered > mediumTierBytes:
		return pollIntervalMedium
	default:
		return pollIntervalFast
	}
}

// sleepContext sleeps for d or until ctx ends, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
