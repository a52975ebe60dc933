// Package channel defines the message channel contract the transfer engine
// runs over, plus concrete adapters.
//
// A Channel is an already-open, ordered, message-oriented duplex pipe with
// finite buffering: Send queues one binary message, BufferedAmount reports
// bytes queued but not yet handed to the transport, ReadyState reflects
// liveness, and OnMessage delivers inbound binary messages. The engine does
// no connection establishment; signaling and negotiation happen elsewhere.
//
// Adapters:
//
//   - DataChannel wraps a pion WebRTC data channel.
//   - WSChannel wraps a gorilla websocket connection.
//   - Pipe returns an in-process connected pair for tests and demos.
package channel
