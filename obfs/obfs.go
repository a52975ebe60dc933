package obfs

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// DefaultKeySize is the key length produced by NewKey when no explicit size
// is requested. 32 bytes keeps the keystream period well above typical chunk
// sizes without pretending to be cipher-strength material.
const DefaultKeySize = 32

// ErrEmptyKey indicates a transform was attempted with a zero-length key.
var ErrEmptyKey = errors.New("obfuscation key is empty")

// Transform applies the repeating-key XOR to data and returns the result as a
// new slice. The input is not modified. Calling Transform twice with the same
// key yields the original bytes.
func Transform(data, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}

	return out, nil
}

// TransformInPlace applies the repeating-key XOR directly to data, avoiding
// an allocation. Used by the wire codec on buffers it already owns.
func TransformInPlace(data, key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	for i := range data {
		data[i] ^= key[i%len(key)]
	}

	return nil
}

// NewKey generates a random obfuscation key of the given size using the
// system's cryptographic random source. Pass DefaultKeySize unless a protocol
// constraint dictates otherwise.
func NewKey(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid key size %d", size)
	}

	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate obfuscation key: %w", err)
	}

	return key, nil
}
