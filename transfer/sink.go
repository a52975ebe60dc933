package transfer

import (
	"bytes"
	"context"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Sink opens destinations for received transfers. Open may suspend (a user
// prompt, a slow filesystem); chunks arriving meanwhile are staged by the
// receiver.
type Sink interface {
	Open(ctx context.Context, name string, size uint64) (SinkWriter, error)
}

// SinkWriter is an open destination. Write calls arrive strictly in sequence
// order. Close flushes and finalizes; Abort discards best-effort.
type SinkWriter interface {
	Write(ctx context.Context, data []byte) error
	Close() error
	Abort() error
}

// sanitizeName reduces a peer-supplied file name to a safe base name,
// rejecting traversal attempts.
func sanitizeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(filepath.Separator) || strings.Contains(base, "..") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}

// DirSink writes received files directly into a directory, keeping a running
// BLAKE2b digest of the content for post-transfer verification.
type DirSink struct {
	// Dir is the destination directory. Empty means the current directory.
	Dir string
}

// Open creates the destination file. The peer-supplied name is reduced to its
// base name so a remote sender cannot steer writes outside Dir.
func (s DirSink) Open(ctx context.Context, name string, size uint64) (SinkWriter, error) {
	base, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.Dir, base)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination file: %w", err)
	}

	digest, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "DirSink.Open",
		"path":     path,
		"size":     size,
	}).Info("Destination file created")

	return &FileWriter{f: f, path: path, digest: digest}, nil
}

// FileWriter is the SinkWriter produced by DirSink.
type FileWriter struct {
	f      *os.File
	path   string
	digest hash.Hash
	sum    []byte
}

// Write appends data to the file and folds it into the running digest.
func (w *FileWriter) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.digest.Write(data)
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	return nil
}

// Close flushes and closes the file, fixing the content digest.
func (w *FileWriter) Close() error {
	w.sum = w.digest.Sum(nil)
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	return nil
}

// Abort closes and removes the partial file. Best-effort.
func (w *FileWriter) Abort() error {
	w.f.Close()
	return os.Remove(w.path)
}

// Digest returns the BLAKE2b-256 sum of everything written, available after
// Close.
func (w *FileWriter) Digest() []byte {
	return w.sum
}

// Path returns the destination path.
func (w *FileWriter) Path() string {
	return w.path
}

// TempFileSink stages received bytes in a ".part" file and renames it to the
// final name only on Close, so consumers of Dir never observe a truncated
// file.
type TempFileSink struct {
	Dir string
}

// Open creates the staging file next to the final destination.
func (s TempFileSink) Open(ctx context.Context, name string, size uint64) (SinkWriter, error) {
	base, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}

	finalPath := filepath.Join(s.Dir, base)
	partPath := finalPath + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "TempFileSink.Open",
		"staging":  partPath,
		"size":     size,
	}).Info("Staging file created")

	return &tempFileWriter{f: f, partPath: partPath, finalPath: finalPath}, nil
}

type tempFileWriter struct {
	f         *os.File
	partPath  string
	finalPath string
}

func (w *tempFileWriter) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	return nil
}

func (w *tempFileWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	if err := os.Rename(w.partPath, w.finalPath); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	return nil
}

func (w *tempFileWriter) Abort() error {
	w.f.Close()
	return os.Remove(w.partPath)
}

// MemorySink accumulates the whole transfer in memory and hands the assembled
// content to OnFinalize when it completes. Last-resort tier for environments
// without filesystem access; unsuitable for files larger than available
// memory.
type MemorySink struct {
	// OnFinalize receives the file name and assembled content on Close.
	OnFinalize func(name string, data []byte)
}

// Open returns an in-memory accumulator.
func (s MemorySink) Open(ctx context.Context, name string, size uint64) (SinkWriter, error) {
	return &memoryWriter{name: name, finalize: s.OnFinalize}, nil
}

type memoryWriter struct {
	name     string
	buf      bytes.Buffer
	finalize func(name string, data []byte)
}

func (w *memoryWriter) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.buf.Write(data)
	return nil
}

func (w *memoryWriter) Close() error {
	if w.finalize != nil {
		w.finalize(w.name, w.buf.Bytes())
	}
	return nil
}

func (w *memoryWriter) Abort() error {
	w.buf.Reset()
	return nil
}

// OpenFirst tries each sink in order and returns the first writer that opens.
// Mirrors the tiered destination fallback: persistent handle, staged
// download, in-memory accumulation.
func OpenFirst(ctx context.Context, name string, size uint64, sinks ...Sink) (SinkWriter, error) {
	var lastErr error
	for _, sink := range sinks {
		writer, err := sink.Open(ctx, name, size)
		if err == nil {
			return writer, nil
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"function": "OpenFirst",
			"sink":     fmt.Sprintf("%T", sink),
			"error":    err.Error(),
		}).Warn("Sink tier failed, trying next")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no sinks provided")
	}
	return nil, fmt.Errorf("all sink tiers failed: %w", lastErr)
}
