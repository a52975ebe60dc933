package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ferrylabs/ferry/channel"
	"github.com/ferrylabs/ferry/flow"
	"github.com/ferrylabs/ferry/wire"
)

// SenderState is the lifecycle state of an outgoing transfer.
type SenderState uint8

const (
	// SenderIdle indicates the sender has not started streaming.
	SenderIdle SenderState = iota
	// SenderStreaming indicates the drive loop is running.
	SenderStreaming
	// SenderCompleted indicates every source byte was transmitted.
	SenderCompleted
	// SenderCancelled indicates a cooperative cancel stopped the loop.
	SenderCancelled
	// SenderFailed indicates an unrecoverable transmission failure.
	SenderFailed
)

// String returns a human-readable state name.
func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderStreaming:
		return "streaming"
	case SenderCompleted:
		return "completed"
	case SenderCancelled:
		return "cancelled"
	case SenderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Retry backoff bounds for transient transmission failures.
const (
	retryBackoffInitial = 50 * time.Millisecond
	retryBackoffMax     = time.Second
)

// Sender drives one outgoing transfer: read a chunk, wait for channel
// capacity, transmit, repeat. Terminal states are final.
type Sender struct {
	id       string
	size     uint64
	source   Source
	ch       channel.Channel
	key      []byte
	cfg      Config
	flow     *flow.Controller
	registry *Registry
	cb       Callbacks

	mu           sync.Mutex
	state        SenderState
	active       bool
	sent         uint64
	seq          uint32
	startTime    time.Time
	lastProgress time.Time
	speed        float64

	timeProvider TimeProvider
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewSender creates a sender session and registers it. size is the declared
// total byte count; the sender never transmits past it. The session is
// removed from the registry exactly once, at its terminal transition.
func NewSender(id string, source Source, size uint64, ch channel.Channel, key []byte, cfg Config, registry *Registry, cb Callbacks) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sender config: %w", err)
	}

	s := &Sender{
		id:           id,
		size:         size,
		source:       source,
		ch:           ch,
		key:          key,
		cfg:          cfg,
		flow:         flow.NewController(cfg.MaxBufferedBytes, cfg.FlowMaxAttempts),
		registry:     registry,
		cb:           cb,
		state:        SenderIdle,
		timeProvider: DefaultTimeProvider{},
		sleep:        sleepContext,
	}

	if registry != nil {
		if err := registry.AddSender(s); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewSender",
		"transfer_id": id,
		"file_size":   size,
		"chunk_size":  cfg.ChunkSize,
	}).Info("Sender session created")

	return s, nil
}

// ID returns the transfer identifier.
func (s *Sender) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BytesSent returns the cumulative transmitted byte count.
func (s *Sender) BytesSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Start verifies the channel is usable and arms the drive loop. The probe is
// a heartbeat packet: if the channel is not open, or the probe send fails
// outright, Start fails synchronously with ErrChannelNotReady and the session
// moves to Failed.
func (s *Sender) Start() error {
	s.mu.Lock()
	if s.state != SenderIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: sender is %s", ErrTransferFinished, state)
	}
	s.mu.Unlock()

	if state := s.ch.ReadyState(); state != channel.StateOpen {
		err := fmt.Errorf("%w: channel is %s", ErrChannelNotReady, state)
		s.finishFailed(err, false)
		return err
	}

	probe, err := wire.Encode(&wire.Packet{Type: wire.PacketHeartbeat, TransferID: s.id}, s.key)
	if err != nil {
		s.finishFailed(err, false)
		return err
	}
	if err := s.ch.Send(probe); err != nil {
		err = fmt.Errorf("%w: probe send failed: %v", ErrChannelNotReady, err)
		s.finishFailed(err, false)
		return err
	}

	s.mu.Lock()
	s.state = SenderStreaming
	s.active = true
	s.startTime = s.timeProvider.Now()
	s.lastProgress = s.startTime
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Start",
		"transfer_id": s.id,
		"file_size":   s.size,
	}).Info("Sender streaming")

	return nil
}

// Run executes the drive loop until the source drains, the transfer fails,
// or a cancel is observed. Blocking; callers usually run it on its own
// goroutine. The returned error matches the one delivered to OnError, or is
// nil on completion and cancellation.
func (s *Sender) Run(ctx context.Context) error {
	if s.State() != SenderStreaming {
		return fmt.Errorf("%w: sender not streaming", ErrChannelNotReady)
	}

	for {
		if !s.isActive() {
			s.finishCancelled()
			return nil
		}

		chunk, err := s.source.Next(ctx)
		if err == io.EOF {
			s.finishCompleted()
			return nil
		}
		if err != nil {
			s.finishFailed(err, true)
			return err
		}

		chunk = s.clampToDeclaredSize(chunk)
		if len(chunk) == 0 {
			s.finishCompleted()
			return nil
		}

		if err := s.transmit(ctx, chunk); err != nil {
			s.finishFailed(err, true)
			return err
		}

		s.recordProgress(len(chunk))

		if s.sentEverything() {
			s.finishCompleted()
			return nil
		}

		if delay := s.paceDelay(); delay > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				s.finishFailed(err, true)
				return err
			}
		}
	}
}

// Cancel requests a cooperative stop. The drive loop observes it at its next
// iteration boundary and exits silently: neither OnComplete nor OnError fire.
func (s *Sender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false

	logrus.WithFields(logrus.Fields{
		"function":    "Cancel",
		"transfer_id": s.id,
	}).Info("Sender cancel requested")
}

// Abort performs the cancelled-state cleanup immediately: deregister and
// release the source. For callers that abandon a transfer after Start but
// never invoke Run, where the cooperative Cancel flag would go unobserved.
// Like Cancel, it is silent: neither OnComplete nor OnError fire.
func (s *Sender) Abort() {
	s.mu.Lock()
	if s.state == SenderCompleted || s.state == SenderCancelled || s.state == SenderFailed {
		s.mu.Unlock()
		return
	}
	s.state = SenderCancelled
	s.active = false
	s.mu.Unlock()

	s.deregister()
	s.closeSource()

	logrus.WithFields(logrus.Fields{
		"function":    "Abort",
		"transfer_id": s.id,
	}).Info("Sender aborted")
}

// transmit sends one chunk, retrying transient failures with exponential
// backoff. A channel confirmed closed escalates immediately; a spent retry
// budget wraps the last cause in ErrRetriesExhausted.
func (s *Sender) transmit(ctx context.Context, chunk []byte) error {
	frame, err := wire.Encode(&wire.Packet{
		Type:       wire.PacketDataChunk,
		TransferID: s.id,
		Sequence:   s.nextSequence(),
		Payload:    chunk,
	}, s.key)
	if err != nil {
		return err
	}

	backoff := retryBackoffInitial
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > retryBackoffMax {
				backoff = retryBackoffMax
			}
		}

		if err := s.stalled(); err != nil {
			return err
		}

		if err := s.flow.WaitForCapacity(ctx, s.ch); err != nil {
			if errors.Is(err, flow.ErrChannelClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// Buffer timeouts count against the retry budget.
			lastErr = err
			continue
		}

		// Capacity waits can outlive the channel; re-check liveness right
		// before handing bytes over.
		if state := s.ch.ReadyState(); state != channel.StateOpen {
			return fmt.Errorf("%w: state %s", flow.ErrChannelClosed, state)
		}

		if err := s.ch.Send(frame); err != nil {
			if s.ch.ReadyState() == channel.StateClosed {
				return fmt.Errorf("%w: send failed: %v", flow.ErrChannelClosed, err)
			}
			lastErr = err
			logrus.WithFields(logrus.Fields{
				"function":    "transmit",
				"transfer_id": s.id,
				"sequence":    s.seq,
				"attempt":     attempt,
				"error":       err.Error(),
			}).Warn("Chunk transmission failed, will retry")
			continue
		}

		return nil
	}

	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// clampToDeclaredSize trims a chunk so cumulative output never exceeds the
// declared transfer size.
func (s *Sender) clampToDeclaredSize(chunk []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.size - s.sent
	if uint64(len(chunk)) > remaining {
		logrus.WithFields(logrus.Fields{
			"function":    "clampToDeclaredSize",
			"transfer_id": s.id,
			"chunk_size":  len(chunk),
			"remaining":   remaining,
		}).Warn("Source produced more bytes than declared size, trimming")
		return chunk[:remaining]
	}
	return chunk
}

func (s *Sender) nextSequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Sender) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Sender) sentEverything() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent >= s.size
}

// stalled reports ErrTransferStalled when no forward progress happened
// within the stall window. Disabled when StallTimeout is zero.
func (s *Sender) stalled() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.StallTimeout == 0 {
		return nil
	}
	idle := s.timeProvider.Since(s.lastProgress)
	if idle >= s.cfg.StallTimeout {
		return fmt.Errorf("%w: idle %v", ErrTransferStalled, idle)
	}
	return nil
}

// recordProgress advances counters after a successful transmit and fires the
// progress callback outside the lock.
func (s *Sender) recordProgress(chunkLen int) {
	s.mu.Lock()
	s.sent += uint64(chunkLen)
	s.seq++
	s.updateSpeedLocked(uint64(chunkLen))
	s.lastProgress = s.timeProvider.Now()
	percent := percentOf(s.sent, s.size)
	speed := s.speed
	s.mu.Unlock()

	s.cb.progress(percent, speed)
}

// updateSpeedLocked folds a chunk into the exponential moving average
// throughput estimate. Caller holds s.mu.
func (s *Sender) updateSpeedLocked(chunkLen uint64) {
	duration := s.timeProvider.Since(s.lastProgress).Seconds()
	if duration <= 0 {
		return
	}

	instant := float64(chunkLen) / duration
	if s.speed == 0 {
		s.speed = instant
	} else {
		s.speed = 0.7*s.speed + 0.3*instant
	}
}

// paceDelay computes the governed inter-chunk delay: the base send delay,
// scaled up for large files and for a half-full channel buffer.
func (s *Sender) paceDelay() time.Duration {
	delay := s.cfg.SendDelay
	if delay == 0 {
		return 0
	}

	switch {
	case s.size > hugeFileBytes:
		delay *= 4
	case s.size > largeFileBytes:
		delay *= 2
	}

	if s.ch.BufferedAmount() > s.flow.Threshold()/2 {
		delay *= 2
	}

	return delay
}

func (s *Sender) finishCompleted() {
	s.mu.Lock()
	if s.state != SenderStreaming {
		s.mu.Unlock()
		return
	}
	s.state = SenderCompleted
	s.active = false
	sent := s.sent
	s.mu.Unlock()

	s.deregister()
	s.closeSource()

	logrus.WithFields(logrus.Fields{
		"function":    "finishCompleted",
		"transfer_id": s.id,
		"bytes_sent":  sent,
	}).Info("Transfer completed")

	s.cb.complete()
}

func (s *Sender) finishCancelled() {
	s.mu.Lock()
	if s.state != SenderStreaming {
		s.mu.Unlock()
		return
	}
	s.state = SenderCancelled
	s.mu.Unlock()

	s.deregister()
	s.closeSource()

	logrus.WithFields(logrus.Fields{
		"function":    "finishCancelled",
		"transfer_id": s.id,
	}).Info("Transfer cancelled")
}

// finishFailed moves the sender to Failed. fromRun distinguishes drive-loop
// failures, which fire OnError, from Start failures, which report their error
// synchronously instead.
func (s *Sender) finishFailed(cause error, fromRun bool) {
	s.mu.Lock()
	if s.state == SenderCompleted || s.state == SenderCancelled || s.state == SenderFailed {
		s.mu.Unlock()
		return
	}
	s.state = SenderFailed
	s.active = false
	s.mu.Unlock()

	s.deregister()
	s.closeSource()

	logrus.WithFields(logrus.Fields{
		"function":    "finishFailed",
		"transfer_id": s.id,
		"error":       cause.Error(),
	}).Error("Transfer failed")

	if fromRun {
		s.cb.fail(cause)
	}
}

func (s *Sender) deregister() {
	if s.registry != nil {
		s.registry.RemoveSender(s.id)
	}
}

// closeSource releases the source if it owns resources (file handles).
func (s *Sender) closeSource() {
	if closer, ok := s.source.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "closeSource",
				"transfer_id": s.id,
				"error":       err.Error(),
			}).Warn("Failed to close transfer source")
		}
	}
}

// percentOf computes completion as a 0-100 float, tolerating zero-size
// transfers.
func percentOf(done, total uint64) float64 {
	if total == 0 {
		return 100.0
	}
	return float64(done) / float64(total) * 100.0
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
