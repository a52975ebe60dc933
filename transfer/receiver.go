package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReceiverState is the lifecycle state of an incoming transfer.
type ReceiverState uint8

const (
	// ReceiverAwaitingSink indicates the session exists but its destination
	// has not opened yet; inbound chunks are staged, not dropped.
	ReceiverAwaitingSink ReceiverState = iota
	// ReceiverActive indicates chunks flow through to the sink.
	ReceiverActive
	// ReceiverCompleted indicates all declared bytes were written.
	ReceiverCompleted
	// ReceiverCancelled indicates the session was cancelled.
	ReceiverCancelled
	// ReceiverFailed indicates a sink failure or protocol violation.
	ReceiverFailed
)

// String returns a human-readable state name.
func (s ReceiverState) String() string {
	switch s {
	case ReceiverAwaitingSink:
		return "awaiting-sink"
	case ReceiverActive:
		return "active"
	case ReceiverCompleted:
		return "completed"
	case ReceiverCancelled:
		return "cancelled"
	case ReceiverFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stagedChunk is one chunk held while the sink is still opening.
type stagedChunk struct {
	seq     uint32
	payload []byte
}

// Receiver assembles one incoming transfer. Chunks may arrive in any order;
// they are buffered keyed by sequence number and written to the sink strictly
// in sequence. Everything below the cursor has been written and evicted; the
// pending map holds only chunks ahead of it.
type Receiver struct {
	id       string
	fileName string
	size     uint64
	registry *Registry
	cb       Callbacks

	mu            sync.Mutex
	state         ReceiverState
	staged        []stagedChunk
	pending       map[uint32][]byte
	nextSeq       uint32
	received      uint64
	writer        SinkWriter
	speed         float64
	lastChunkTime time.Time

	timeProvider TimeProvider
}

// NewReceiver creates a receiving session and registers it immediately, so
// chunks that beat the sink's open are staged rather than dropped as unknown.
func NewReceiver(id, fileName string, size uint64, registry *Registry, cb Callbacks) (*Receiver, error) {
	r := &Receiver{
		id:           id,
		fileName:     fileName,
		size:         size,
		registry:     registry,
		cb:           cb,
		state:        ReceiverAwaitingSink,
		pending:      make(map[uint32][]byte),
		timeProvider: DefaultTimeProvider{},
	}
	r.lastChunkTime = r.timeProvider.Now()

	if registry != nil {
		if err := registry.AddReceiver(r); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewReceiver",
		"transfer_id": id,
		"file_name":   fileName,
		"file_size":   size,
	}).Info("Receiver session created")

	return r, nil
}

// ID returns the transfer identifier.
func (r *Receiver) ID() string { return r.id }

// FileName returns the declared file name.
func (r *Receiver) FileName() string { return r.fileName }

// State returns the current lifecycle state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// BytesReceived returns the cumulative accepted byte count.
func (r *Receiver) BytesReceived() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// SetReady attaches the opened sink writer and replays any chunks staged
// during sink acquisition, in their original arrival order, through the
// normal processing path. Live chunks arriving after SetReady returns merge
// correctly with the sequence cursor. A transfer whose declared size is
// already satisfied (a zero-byte file, or one fully staged during sink
// acquisition) completes before SetReady returns.
func (r *Receiver) SetReady(ctx context.Context, writer SinkWriter) error {
	var events []func()
	defer fireEvents(&events)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != ReceiverAwaitingSink {
		return fmt.Errorf("%w: receiver is %s", ErrTransferFinished, r.state)
	}

	r.writer = writer
	r.state = ReceiverActive
	staged := r.staged
	r.staged = nil

	logrus.WithFields(logrus.Fields{
		"function":    "SetReady",
		"transfer_id": r.id,
		"staged":      len(staged),
	}).Info("Sink ready, replaying staged chunks")

	for _, chunk := range staged {
		if err := r.processChunkLocked(ctx, chunk.seq, chunk.payload, &events); err != nil {
			return err
		}
		if r.state != ReceiverActive {
			// Replay alone can complete (or fail) the transfer.
			return nil
		}
	}

	// No chunks are coming for a zero-byte declaration; complete now.
	if r.received >= r.size {
		return r.completeLocked(&events)
	}

	return nil
}

// fireEvents runs callbacks queued while the session mutex was held. Deferred
// after the unlock, so callbacks may safely reenter the receiver.
func fireEvents(events *[]func()) {
	for _, fn := range *events {
		fn()
	}
}

// FailSink marks the session failed because no sink could be acquired.
func (r *Receiver) FailSink(cause error) {
	r.mu.Lock()
	if r.isTerminalLocked() {
		r.mu.Unlock()
		return
	}
	r.state = ReceiverFailed
	r.staged = nil
	r.pending = nil
	r.mu.Unlock()

	r.deregister()

	logrus.WithFields(logrus.Fields{
		"function":    "FailSink",
		"transfer_id": r.id,
		"error":       cause.Error(),
	}).Error("Receiver failed during sink acquisition")

	r.cb.fail(cause)
}

// HandleChunk accepts one sequenced payload. Before the sink is ready the
// chunk is staged; afterwards it joins the pending buffer and any contiguous
// run starting at the cursor drains to the sink. Chunks for finished sessions
// are ignored.
func (r *Receiver) HandleChunk(ctx context.Context, seq uint32, payload []byte) error {
	var events []func()
	defer fireEvents(&events)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case ReceiverCompleted, ReceiverCancelled, ReceiverFailed:
		logrus.WithFields(logrus.Fields{
			"function":    "HandleChunk",
			"transfer_id": r.id,
			"sequence":    seq,
			"state":       r.state.String(),
		}).Debug("Ignoring chunk for finished transfer")
		return nil
	case ReceiverAwaitingSink:
		r.staged = append(r.staged, stagedChunk{seq: seq, payload: append([]byte(nil), payload...)})
		logrus.WithFields(logrus.Fields{
			"function":    "HandleChunk",
			"transfer_id": r.id,
			"sequence":    seq,
			"staged":      len(r.staged),
		}).Debug("Sink not ready, chunk staged")
		return nil
	}

	return r.processChunkLocked(ctx, seq, payload, &events)
}

// processChunkLocked runs the core sequencing path: insert into the pending
// buffer, drain the contiguous run at the cursor, account progress, detect
// completion. Caller holds r.mu; callbacks are queued on events rather than
// invoked, so the caller can fire them after releasing the lock.
func (r *Receiver) processChunkLocked(ctx context.Context, seq uint32, payload []byte, events *[]func()) error {
	if seq < r.nextSeq {
		logrus.WithFields(logrus.Fields{
			"function":    "processChunkLocked",
			"transfer_id": r.id,
			"sequence":    seq,
			"cursor":      r.nextSeq,
		}).Debug("Duplicate chunk behind cursor, ignoring")
		return nil
	}
	if _, dup := r.pending[seq]; dup {
		logrus.WithFields(logrus.Fields{
			"function":    "processChunkLocked",
			"transfer_id": r.id,
			"sequence":    seq,
		}).Debug("Duplicate pending chunk, ignoring")
		return nil
	}

	r.pending[seq] = payload
	r.received += uint64(len(payload))

	if r.received > r.size {
		err := fmt.Errorf("%w: %d > %d", ErrSizeExceeded, r.received, r.size)
		r.failLocked(err, events)
		return err
	}

	// Drain the contiguous run now available at the cursor.
	for {
		chunk, ok := r.pending[r.nextSeq]
		if !ok {
			break
		}
		if err := r.writer.Write(ctx, chunk); err != nil {
			wrapped := fmt.Errorf("%w: chunk %d: %v", ErrSinkWrite, r.nextSeq, err)
			r.failLocked(wrapped, events)
			return wrapped
		}
		delete(r.pending, r.nextSeq)
		r.nextSeq++
	}

	r.updateSpeedLocked(uint64(len(payload)))
	percent := percentOf(r.received, r.size)
	speed := r.speed
	*events = append(*events, func() { r.cb.progress(percent, speed) })

	if r.received >= r.size {
		return r.completeLocked(events)
	}
	return nil
}

// completeLocked closes the sink and finishes the session. Caller holds r.mu.
func (r *Receiver) completeLocked(events *[]func()) error {
	if err := r.writer.Close(); err != nil {
		wrapped := fmt.Errorf("%w: close: %v", ErrSinkWrite, err)
		r.failLocked(wrapped, events)
		return wrapped
	}

	r.state = ReceiverCompleted
	r.deregister()

	logrus.WithFields(logrus.Fields{
		"function":       "completeLocked",
		"transfer_id":    r.id,
		"bytes_received": r.received,
	}).Info("Transfer received completely")

	*events = append(*events, r.cb.complete)
	return nil
}

// failLocked moves the session to Failed, releases the sink, and queues
// OnError exactly once. Caller holds r.mu.
func (r *Receiver) failLocked(cause error, events *[]func()) {
	if r.isTerminalLocked() {
		return
	}
	r.state = ReceiverFailed
	r.abortWriterLocked()
	r.deregister()

	logrus.WithFields(logrus.Fields{
		"function":    "failLocked",
		"transfer_id": r.id,
		"error":       cause.Error(),
	}).Error("Receiver failed")

	*events = append(*events, func() { r.cb.fail(cause) })
}

// Cancel aborts the sink best-effort and drops the session. No completion or
// error callback fires.
func (r *Receiver) Cancel() {
	r.mu.Lock()
	if r.isTerminalLocked() {
		r.mu.Unlock()
		return
	}
	r.state = ReceiverCancelled
	r.abortWriterLocked()
	r.staged = nil
	r.pending = nil
	r.mu.Unlock()

	r.deregister()

	logrus.WithFields(logrus.Fields{
		"function":    "Cancel",
		"transfer_id": r.id,
	}).Info("Receiver cancelled")
}

func (r *Receiver) isTerminalLocked() bool {
	return r.state == ReceiverCompleted || r.state == ReceiverCancelled || r.state == ReceiverFailed
}

// abortWriterLocked releases the sink if one is attached. Abort failures are
// logged, not propagated.
func (r *Receiver) abortWriterLocked() {
	if r.writer == nil {
		return
	}
	if err := r.writer.Abort(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "abortWriterLocked",
			"transfer_id": r.id,
			"error":       err.Error(),
		}).Warn("Failed to abort sink writer")
	}
}

func (r *Receiver) deregister() {
	if r.registry != nil {
		r.registry.RemoveReceiver(r.id)
	}
}

// updateSpeedLocked folds a chunk into the exponential moving average
// throughput estimate. Caller holds r.mu.
func (r *Receiver) updateSpeedLocked(chunkLen uint64) {
	now := r.timeProvider.Now()
	duration := r.timeProvider.Since(r.lastChunkTime).Seconds()

	if duration > 0 {
		instant := float64(chunkLen) / duration
		if r.speed == 0 {
			r.speed = instant
		} else {
			r.speed = 0.7*r.speed + 0.3*instant
		}
	}

	r.lastChunkTime = now
}
