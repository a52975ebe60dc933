package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ferrylabs/ferry/obfs"
)

// PacketType identifies the kind of a ferry packet.
type PacketType byte

const (
	// PacketDataChunk carries one sequenced chunk of file content.
	PacketDataChunk PacketType = iota + 1
	// PacketHeartbeat is an empty probe used to verify channel liveness
	// before streaming begins.
	PacketHeartbeat
	// PacketOffer announces an incoming file (name and declared size) so the
	// receiving side can register a session and acquire a sink.
	PacketOffer

	// Values above PacketOffer are reserved for future control messages.
)

const (
	// MagicSize is the length of the frame sentinel.
	MagicSize = 4

	// HeaderFixedSize is the frame size with an empty transfer id and no
	// payload: magic + type + idLen + sequence + payloadLen.
	HeaderFixedSize = MagicSize + 1 + 1 + 4 + 4

	// MaxTransferIDLength bounds the variable-length transfer identifier.
	MaxTransferIDLength = 255

	// MaxFrameSize is the largest frame the codec will emit. Kept at 64 KiB,
	// conservatively under the single-message ceiling of common data
	// channels.
	MaxFrameSize = 64 * 1024

	// MaxPayloadSize is the largest chunk payload that fits a frame even
	// with a maximum-length transfer id.
	MaxPayloadSize = MaxFrameSize - HeaderFixedSize - MaxTransferIDLength
)

// magic is the fixed sentinel distinguishing ferry frames from any other
// binary traffic sharing the channel.
var magic = [MagicSize]byte{0xF3, 'F', 'R', 'Y'}

var (
	// ErrMalformedPacket indicates a frame that is not a valid ferry packet:
	// too short, wrong magic, or declared lengths past the buffer end. Never
	// fatal to a receiver; the frame is simply not ours.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrTransferIDTooLong indicates a transfer id exceeding the wire
	// format's one-byte length prefix.
	ErrTransferIDTooLong = errors.New("transfer id exceeds maximum length")

	// ErrPayloadTooLarge indicates a payload that would produce a frame over
	// the channel's single-message ceiling.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame size")
)

// Packet is the atomic wire unit: one chunk of a transfer or one control
// message.
type Packet struct {
	Type       PacketType
	TransferID string
	Sequence   uint32
	Payload    []byte
}

// Encode serializes the packet, obfuscating the payload under key. The
// returned frame is self-contained; exactly one Decode call consumes it.
func Encode(p *Packet, key []byte) ([]byte, error) {
	idBytes := []byte(p.TransferID)
	if len(idBytes) > MaxTransferIDLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrTransferIDTooLong, len(idBytes))
	}

	frameLen := HeaderFixedSize + len(idBytes) + len(p.Payload)
	if frameLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame would be %d bytes", ErrPayloadTooLarge, frameLen)
	}

	frame := make([]byte, frameLen)
	off := copy(frame, magic[:])
	frame[off] = byte(p.Type)
	off++
	frame[off] = byte(len(idBytes))
	off++
	off += copy(frame[off:], idBytes)
	binary.LittleEndian.PutUint32(frame[off:], p.Sequence)
	off += 4
	binary.LittleEndian.PutUint32(frame[off:], uint32(len(p.Payload)))
	off += 4
	copy(frame[off:], p.Payload)

	if err := obfs.TransformInPlace(frame[off:], key); err != nil {
		return nil, err
	}

	return frame, nil
}

// Decode parses one frame and de-obfuscates its payload under key. Any
// framing violation returns an error wrapping ErrMalformedPacket; Decode
// never reads past the buffer or panics on hostile input.
func Decode(data, key []byte) (*Packet, error) {
	if len(data) < HeaderFixedSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(data), HeaderFixedSize)
	}

	if [MagicSize]byte(data[:MagicSize]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedPacket)
	}

	off := MagicSize
	packetType := PacketType(data[off])
	off++
	idLen := int(data[off])
	off++

	if len(data) < off+idLen+8 {
		return nil, fmt.Errorf("%w: transfer id length %d past buffer end", ErrMalformedPacket, idLen)
	}

	transferID := string(data[off : off+idLen])
	off += idLen
	sequence := binary.LittleEndian.Uint32(data[off:])
	off += 4
	payloadLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	if len(data) != off+payloadLen {
		return nil, fmt.Errorf("%w: declared payload length %d does not match frame", ErrMalformedPacket, payloadLen)
	}

	payload, err := obfs.Transform(data[off:], key)
	if err != nil {
		return nil, err
	}

	return &Packet{
		Type:       packetType,
		TransferID: transferID,
		Sequence:   sequence,
		Payload:    payload,
	}, nil
}
