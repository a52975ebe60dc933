package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFileNameTooLong indicates a file name exceeding the offer payload's
// length prefix budget.
var ErrFileNameTooLong = errors.New("file name too long")

// MaxFileNameLength bounds the file name carried in an offer payload. The
// value matches typical filesystem limits and fits in the uint16 prefix.
const MaxFileNameLength = 255

// offerFixedSize is the offer payload size with an empty file name:
// declared size (8 bytes) + name length (2 bytes).
const offerFixedSize = 8 + 2

// EncodeOfferPayload serializes the metadata carried by a PacketOffer:
// declared file size followed by a length-prefixed file name.
func EncodeOfferPayload(fileName string, fileSize uint64) ([]byte, error) {
	nameBytes := []byte(fileName)
	if len(nameBytes) > MaxFileNameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileNameTooLong, len(nameBytes))
	}

	payload := make([]byte, offerFixedSize+len(nameBytes))
	binary.LittleEndian.PutUint64(payload[0:8], fileSize)
	binary.LittleEndian.PutUint16(payload[8:10], uint16(len(nameBytes)))
	copy(payload[10:], nameBytes)

	return payload, nil
}

// DecodeOfferPayload parses a PacketOffer payload. Truncated payloads return
// an error wrapping ErrMalformedPacket.
func DecodeOfferPayload(payload []byte) (fileName string, fileSize uint64, err error) {
	if len(payload) < offerFixedSize {
		return "", 0, fmt.Errorf("%w: offer payload too short", ErrMalformedPacket)
	}

	fileSize = binary.LittleEndian.Uint64(payload[0:8])
	nameLen := int(binary.LittleEndian.Uint16(payload[8:10]))

	if len(payload) < offerFixedSize+nameLen {
		return "", 0, fmt.Errorf("%w: offer file name truncated", ErrMalformedPacket)
	}

	return string(payload[10 : 10+nameLen]), fileSize, nil
}
