package transfer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainSource(t *testing.T, s Source) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		chunk, err := s.Next(context.Background())
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, append([]byte(nil), chunk...))
	}
}

func TestReaderSourceChunking(t *testing.T) {
	data := make([]byte, 2500)
	for i := range data {
		data[i] = byte(i % 251)
	}

	s := NewReaderSource(bytes.NewReader(data), 1024)
	chunks := drainSource(t, s)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1024)
	assert.Len(t, chunks[1], 1024)
	assert.Len(t, chunks[2], 452)
	assert.Equal(t, data, bytes.Join(chunks, nil))
}

func TestReaderSourceExactMultiple(t *testing.T) {
	s := NewReaderSource(bytes.NewReader(make([]byte, 2048)), 1024)
	chunks := drainSource(t, s)
	require.Len(t, chunks, 2)
}

func TestReaderSourceEmpty(t *testing.T) {
	s := NewReaderSource(bytes.NewReader(nil), 1024)
	_, err := s.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestReaderSourceContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewReaderSource(bytes.NewReader([]byte("data")), 1024)
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReaderAtSourceChunking(t *testing.T) {
	data := []byte("abcdefghijklmnopqrstuvwxyz")

	s := NewReaderAtSource(bytes.NewReader(data), int64(len(data)), 10)
	chunks := drainSource(t, s)

	require.Len(t, chunks, 3)
	assert.Equal(t, []byte("abcdefghij"), chunks[0])
	assert.Equal(t, []byte("klmnopqrst"), chunks[1])
	assert.Equal(t, []byte("uvwxyz"), chunks[2])
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := NewFileSource(path, 1024)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, int64(3000), s.Size())

	chunks := drainSource(t, s)
	require.Len(t, chunks, 3)
	assert.Equal(t, data, bytes.Join(chunks, nil))
}

func TestFileSourceMissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.bin"), 1024)
	require.Error(t, err)
}
