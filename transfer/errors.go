package transfer

import "errors"

var (
	// ErrChannelNotReady indicates the channel was not open when a transfer
	// start was attempted. The start fails synchronously; nothing is retried.
	ErrChannelNotReady = errors.New("channel not ready for transfer")

	// ErrTransferStalled indicates no forward progress within the configured
	// stall window despite the drive loop being alive.
	ErrTransferStalled = errors.New("transfer stalled: no progress within timeout")

	// ErrRetriesExhausted wraps the last transmission failure once a chunk's
	// retry budget is spent.
	ErrRetriesExhausted = errors.New("transmission retries exhausted")

	// ErrTransferExists indicates a transfer id already registered in the
	// same role.
	ErrTransferExists = errors.New("transfer already registered")

	// ErrTransferNotFound indicates a lookup for an unknown transfer id.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrSizeExceeded indicates a receiver got more bytes than the declared
	// file size. A correct sender never overshoots; this is a protocol
	// violation.
	ErrSizeExceeded = errors.New("received more bytes than declared size")

	// ErrTransferFinished indicates an operation on a transfer already in a
	// terminal state.
	ErrTransferFinished = errors.New("transfer already finished")

	// ErrSinkWrite wraps a failure writing to or closing the destination.
	// Never retried: a failed write to persistent storage is not assumed
	// safely retryable.
	ErrSinkWrite = errors.New("sink write failed")
)
