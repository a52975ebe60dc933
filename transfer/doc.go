// Package transfer implements the sender and receiver state machines that
// move a file over a message channel, plus the registry tracking active
// sessions.
//
// A Sender drives a read-chunk, await-capacity, transmit loop over a Source,
// retrying transient send failures with exponential backoff and escalating to
// failure when the retry budget is exhausted, the channel closes, or progress
// stalls. A Receiver accepts chunks in any arrival order, buffers the ones
// ahead of its sequence cursor, and writes strictly in order to a SinkWriter.
// Chunks arriving before the sink is ready are staged and replayed once it
// is, so sink acquisition (which may be slow or user-interactive) never drops
// data.
//
// Example:
//
//	recv, _ := transfer.NewReceiver(id, name, size, registry, callbacks)
//	// chunks may arrive immediately; they are staged
//	writer, _ := sink.Open(ctx, name, size)
//	recv.SetReady(ctx, writer) // staged chunks replay in arrival order
package transfer
