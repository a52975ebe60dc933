package obfs

import (
	"bytes"
	"testing"
)

// TestTransformInvolution verifies that applying the transform twice with the
// same key restores the original bytes.
func TestTransformInvolution(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		key  []byte
	}{
		{
			name: "short_payload_short_key",
			data: []byte("hello"),
			key:  []byte{0xAA},
		},
		{
			name: "payload_shorter_than_key",
			data: []byte{0x01, 0x02},
			key:  []byte("a-much-longer-key-than-the-data"),
		},
		{
			name: "payload_longer_than_key",
			data: bytes.Repeat([]byte{0x5A, 0x00, 0xFF}, 100),
			key:  []byte{0x13, 0x37, 0x42},
		},
		{
			name: "empty_payload",
			data: []byte{},
			key:  []byte{0x01},
		},
		{
			name: "all_zero_payload",
			data: make([]byte, 64),
			key:  []byte{0xDE, 0xAD, 0xBE, 0xEF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once, err := Transform(tt.data, tt.key)
			if err != nil {
				t.Fatalf("first transform failed: %v", err)
			}

			twice, err := Transform(once, tt.key)
			if err != nil {
				t.Fatalf("second transform failed: %v", err)
			}

			if !bytes.Equal(twice, tt.data) {
				t.Errorf("double transform did not restore input: got %v, want %v", twice, tt.data)
			}
		})
	}
}

// TestTransformDoesNotModifyInput verifies Transform copies rather than
// mutating the caller's slice.
func TestTransformDoesNotModifyInput(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	original := append([]byte(nil), data...)

	if _, err := Transform(data, []byte{0xFF}); err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	if !bytes.Equal(data, original) {
		t.Errorf("input was modified: got %v, want %v", data, original)
	}
}

// TestTransformInPlace verifies the allocation-free variant mutates the
// buffer and is still self-inverse.
func TestTransformInPlace(t *testing.T) {
	data := []byte("in place payload")
	original := append([]byte(nil), data...)
	key := []byte{0x10, 0x20}

	if err := TransformInPlace(data, key); err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if bytes.Equal(data, original) {
		t.Error("transform with non-zero key left data unchanged")
	}

	if err := TransformInPlace(data, key); err != nil {
		t.Fatalf("second transform failed: %v", err)
	}
	if !bytes.Equal(data, original) {
		t.Errorf("double in-place transform did not restore input: got %v, want %v", data, original)
	}
}

// TestTransformEmptyKey verifies empty keys are rejected rather than silently
// producing an identity transform.
func TestTransformEmptyKey(t *testing.T) {
	if _, err := Transform([]byte("data"), nil); err != ErrEmptyKey {
		t.Errorf("Transform with nil key: got %v, want ErrEmptyKey", err)
	}

	if err := TransformInPlace([]byte("data"), []byte{}); err != ErrEmptyKey {
		t.Errorf("TransformInPlace with empty key: got %v, want ErrEmptyKey", err)
	}
}

// TestNewKey verifies key generation length and basic uniqueness.
func TestNewKey(t *testing.T) {
	a, err := NewKey(DefaultKeySize)
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	if len(a) != DefaultKeySize {
		t.Errorf("key length: got %d, want %d", len(a), DefaultKeySize)
	}

	b, err := NewKey(DefaultKeySize)
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two generated keys are identical")
	}
}

// TestNewKeyInvalidSize verifies non-positive sizes are rejected.
func TestNewKeyInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := NewKey(size); err == nil {
			t.Errorf("NewKey(%d) succeeded, want error", size)
		}
	}
}
