package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Source is a lazy, finite, non-restartable sequence of byte chunks. Next
// returns io.EOF after the final chunk. Each returned slice is owned by the
// caller until the following Next call.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// readerSource chunks a plain io.Reader. Used when the underlying producer
// offers only streaming reads.
type readerSource struct {
	r    io.Reader
	buf  []byte
	done bool
}

// NewReaderSource wraps a streaming reader into a Source yielding chunks of
// at most chunkSize bytes.
func NewReaderSource(r io.Reader, chunkSize int) Source {
	return &readerSource{r: r, buf: make([]byte, chunkSize)}
}

func (s *readerSource) Next(ctx context.Context) ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, err := io.ReadFull(s.r, s.buf)
	switch err {
	case nil:
		return s.buf[:n], nil
	case io.ErrUnexpectedEOF:
		s.done = true
		return s.buf[:n], nil
	case io.EOF:
		s.done = true
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("source read failed: %w", err)
	}
}

// readerAtSource chunks a random-access byte range reader with a known total
// length. Used when streaming reads are unavailable.
type readerAtSource struct {
	ra     io.ReaderAt
	size   int64
	offset int64
	buf    []byte
}

// NewReaderAtSource wraps a random-access reader of the given total size into
// a Source yielding chunks of at most chunkSize bytes.
func NewReaderAtSource(ra io.ReaderAt, size int64, chunkSize int) Source {
	return &readerAtSource{ra: ra, size: size, buf: make([]byte, chunkSize)}
}

func (s *readerAtSource) Next(ctx context.Context) ([]byte, error) {
	if s.offset >= s.size {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := int64(len(s.buf))
	if remaining := s.size - s.offset; remaining < want {
		want = remaining
	}

	n, err := s.ra.ReadAt(s.buf[:want], s.offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("source read at offset %d failed: %w", s.offset, err)
	}

	s.offset += int64(n)
	return s.buf[:n], nil
}

// FileSource reads a local file as a Source. Close releases the handle; the
// sender does this automatically at terminal transitions.
type FileSource struct {
	readerAtSource
	f *os.File
}

// NewFileSource opens path for a transfer read in chunkSize pieces.
func NewFileSource(path string, chunkSize int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat source file: %w", err)
	}

	return &FileSource{
		readerAtSource: readerAtSource{ra: f, size: info.Size(), buf: make([]byte, chunkSize)},
		f:              f,
	}, nil
}

// Size returns the file's total byte count, suitable as the transfer's
// declared size.
func (s *FileSource) Size() int64 {
	return s.size
}

// Close releases the underlying file handle.
func (s *FileSource) Close() error {
	return s.f.Close()
}
