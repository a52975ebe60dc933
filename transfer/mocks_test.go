package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/ferrylabs/ferry/channel"
	"github.com/ferrylabs/ferry/wire"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

// errTransient simulates a recoverable send failure on an open channel.
var errTransient = errors.New("simulated transient send failure")

// mockChannel captures sent frames and fails sends according to a script.
type mockChannel struct {
	frames   [][]byte
	state    channel.State
	buffered uint64

	// failNext makes the next N sends fail with errTransient.
	failNext int
	// sendCount counts every Send call, including failed ones.
	sendCount int
	// closeAfter, when positive, flips the channel to closed after that many
	// successful sends.
	closeAfter int

	handler func(data []byte)
}

func newMockChannel() *mockChannel {
	return &mockChannel{state: channel.StateOpen}
}

func (m *mockChannel) Send(data []byte) error {
	m.sendCount++
	if m.state != channel.StateOpen {
		return channel.ErrChannelNotOpen
	}
	if m.failNext > 0 {
		m.failNext--
		return errTransient
	}

	m.frames = append(m.frames, append([]byte(nil), data...))

	if m.closeAfter > 0 && len(m.frames) >= m.closeAfter {
		m.state = channel.StateClosed
	}
	return nil
}

func (m *mockChannel) BufferedAmount() uint64              { return m.buffered }
func (m *mockChannel) ReadyState() channel.State           { return m.state }
func (m *mockChannel) OnMessage(handler func(data []byte)) { m.handler = handler }
func (m *mockChannel) Close() error {
	m.state = channel.StateClosed
	return nil
}

// decodedChunks parses every captured frame, keeping only data chunks.
func (m *mockChannel) decodedChunks(key []byte) []*wire.Packet {
	var chunks []*wire.Packet
	for _, frame := range m.frames {
		packet, err := wire.Decode(frame, key)
		if err != nil {
			continue
		}
		if packet.Type == wire.PacketDataChunk {
			chunks = append(chunks, packet)
		}
	}
	return chunks
}

// instantSleep eliminates real delays from retry backoff and pacing.
func instantSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// recordingSink captures everything written through its writer.
type recordingSink struct {
	writer *recordingWriter
	// openErr makes Open fail, for fallback-tier tests.
	openErr error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{writer: &recordingWriter{}}
}

func (s *recordingSink) Open(ctx context.Context, name string, size uint64) (SinkWriter, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.writer, nil
}

type recordingWriter struct {
	writes   [][]byte
	closed   bool
	aborted  bool
	writeErr error
	closeErr error
}

func (w *recordingWriter) Write(ctx context.Context, data []byte) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.writes = append(w.writes, append([]byte(nil), data...))
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func (w *recordingWriter) Abort() error {
	w.aborted = true
	return nil
}

// content returns the concatenation of all writes.
func (w *recordingWriter) content() []byte {
	var out []byte
	for _, chunk := range w.writes {
		out = append(out, chunk...)
	}
	return out
}

// testKey is the obfuscation key shared by transfer tests.
var testKey = []byte{0xA5, 0x5A, 0x0F, 0xF0}
