// Package wire implements the ferry packet codec.
//
// Every frame on the channel carries exactly one packet:
//
//	magic (4 bytes) | type (1) | idLen (1) | transfer id (idLen) |
//	sequence (4, little-endian) | payloadLen (4, little-endian) |
//	obfuscated payload (payloadLen)
//
// The magic sentinel lets a receiver reject binary traffic that belongs to
// other protocols multiplexed over the same channel. Payload bytes are passed
// through the obfs transform on encode and decode, so plain file content
// never appears verbatim on the wire.
//
// Example:
//
//	frame, err := wire.Encode(&wire.Packet{
//	    Type:       wire.PacketDataChunk,
//	    TransferID: id,
//	    Sequence:   seq,
//	    Payload:    chunk,
//	}, key)
package wire
