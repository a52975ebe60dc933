package ferry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrylabs/ferry/channel"
	"github.com/ferrylabs/ferry/transfer"
	"github.com/ferrylabs/ferry/wire"
)

var e2eKey = []byte{0x13, 0x37, 0xC0, 0xDE, 0x42, 0x99, 0x01, 0xFE}

func e2eOptions() *Options {
	cfg := transfer.DefaultConfig()
	cfg.SendDelay = 0
	return &Options{Key: e2eKey, Config: cfg}
}

func newFerryPair(t *testing.T, opts *Options) (*Ferry, *Ferry) {
	t.Helper()
	a, b := channel.Pipe()

	fa, err := New(a, opts)
	require.NoError(t, err)
	fb, err := New(b, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		fa.Kill()
		fb.Kill()
	})
	return fa, fb
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// acceptIntoMemory wires the receiving side: every offer is accepted into a
// MemorySink whose assembled content lands on the returned channel.
func acceptIntoMemory(t *testing.T, f *Ferry, cb transfer.Callbacks) <-chan []byte {
	t.Helper()
	received := make(chan []byte, 1)
	f.OnOffer(func(id, name string, size uint64) {
		sink := transfer.MemorySink{OnFinalize: func(name string, data []byte) {
			received <- append([]byte(nil), data...)
		}}
		assert.NoError(t, f.Accept(context.Background(), id, name, size, cb, sink))
	})
	return received
}

// TestFerryEndToEndSmallFile streams a 10-byte payload that fits one chunk.
func TestFerryEndToEndSmallFile(t *testing.T) {
	fa, fb := newFerryPair(t, e2eOptions())

	received := acceptIntoMemory(t, fb, transfer.Callbacks{})

	payload := []byte("0123456789")
	sent := make(chan struct{})
	source := transfer.NewReaderSource(bytes.NewReader(payload), fa.cfg.ChunkSize)
	err := fa.SendFile(context.Background(), NewTransferID(), "small.bin", source, uint64(len(payload)), transfer.Callbacks{
		OnComplete: func() { close(sent) },
		OnError:    func(err error) { t.Errorf("send failed: %v", err) },
	})
	require.NoError(t, err)

	waitSignal(t, sent, "sender completion")

	select {
	case data := <-received:
		assert.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for received content")
	}
}

// TestFerryEndToEndMultiChunk streams a payload spanning many chunks and
// checks byte-exact reassembly.
func TestFerryEndToEndMultiChunk(t *testing.T) {
	opts := e2eOptions()
	opts.Config.ChunkSize = 4096

	fa, fb := newFerryPair(t, opts)

	payload := make([]byte, 100000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	var percents []float64
	received := acceptIntoMemory(t, fb, transfer.Callbacks{
		OnProgress: func(percent, speed float64) {
			percents = append(percents, percent)
		},
	})

	sent := make(chan struct{})
	source := transfer.NewReaderSource(bytes.NewReader(payload), opts.Config.ChunkSize)
	err := fa.SendFile(context.Background(), NewTransferID(), "large.bin", source, uint64(len(payload)), transfer.Callbacks{
		OnComplete: func() { close(sent) },
		OnError:    func(err error) { t.Errorf("send failed: %v", err) },
	})
	require.NoError(t, err)

	waitSignal(t, sent, "sender completion")

	select {
	case data := <-received:
		assert.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for received content")
	}

	require.NotEmpty(t, percents)
	assert.InDelta(t, 100.0, percents[len(percents)-1], 0.001)
}

// TestFerryEndToEndZeroByteFile streams an empty file. The sender emits only
// the offer, so the receiver must complete from sink attachment alone.
func TestFerryEndToEndZeroByteFile(t *testing.T) {
	fa, fb := newFerryPair(t, e2eOptions())

	recvDone := make(chan struct{})
	received := acceptIntoMemory(t, fb, transfer.Callbacks{
		OnComplete: func() { close(recvDone) },
	})

	sent := make(chan struct{})
	source := transfer.NewReaderSource(bytes.NewReader(nil), fa.cfg.ChunkSize)
	err := fa.SendFile(context.Background(), NewTransferID(), "empty.bin", source, 0, transfer.Callbacks{
		OnComplete: func() { close(sent) },
		OnError:    func(err error) { t.Errorf("send failed: %v", err) },
	})
	require.NoError(t, err)

	waitSignal(t, sent, "sender completion")
	waitSignal(t, recvDone, "receiver completion")

	select {
	case data := <-received:
		assert.Empty(t, data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for received content")
	}
	assert.Equal(t, 0, fb.Registry().ReceiverCount())
}

// flakySendChannel reports open but fails the Nth Send call. Everything it
// accepts is discarded.
type flakySendChannel struct {
	sendCount int
	failOn    int
}

func (c *flakySendChannel) Send(data []byte) error {
	c.sendCount++
	if c.sendCount == c.failOn {
		return errors.New("transport hiccup")
	}
	return nil
}

func (c *flakySendChannel) BufferedAmount() uint64         { return 0 }
func (c *flakySendChannel) ReadyState() channel.State      { return channel.StateOpen }
func (c *flakySendChannel) OnMessage(handler func([]byte)) {}
func (c *flakySendChannel) Close() error                   { return nil }

// TestFerrySendFileOfferFailureFreesID verifies a failed offer send leaves no
// stale registration behind: the same transfer id must be usable right away.
func TestFerrySendFileOfferFailureFreesID(t *testing.T) {
	// Send 1 is the readiness heartbeat, send 2 the offer.
	ch := &flakySendChannel{failOn: 2}
	f, err := New(ch, e2eOptions())
	require.NoError(t, err)
	t.Cleanup(f.Kill)

	payload := []byte("retry me")
	source := transfer.NewReaderSource(bytes.NewReader(payload), f.cfg.ChunkSize)
	err = f.SendFile(context.Background(), "reused-id", "file.bin", source, uint64(len(payload)), transfer.Callbacks{})
	require.Error(t, err)
	assert.Equal(t, 0, f.Registry().SenderCount(), "failed offer must deregister the sender")

	sent := make(chan struct{})
	source = transfer.NewReaderSource(bytes.NewReader(payload), f.cfg.ChunkSize)
	err = f.SendFile(context.Background(), "reused-id", "file.bin", source, uint64(len(payload)), transfer.Callbacks{
		OnComplete: func() { close(sent) },
		OnError:    func(err error) { t.Errorf("retry failed: %v", err) },
	})
	require.NoError(t, err)
	waitSignal(t, sent, "retried transfer completion")
}

// TestFerrySendPath streams a real file picked up from disk.
func TestFerrySendPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	payload := make([]byte, 30000)
	for i := range payload {
		payload[i] = byte(i % 253)
	}
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	fa, fb := newFerryPair(t, e2eOptions())

	var offeredName string
	received := make(chan []byte, 1)
	fb.OnOffer(func(id, name string, size uint64) {
		offeredName = name
		sink := transfer.MemorySink{OnFinalize: func(name string, data []byte) {
			received <- append([]byte(nil), data...)
		}}
		assert.NoError(t, fb.Accept(context.Background(), id, name, size, transfer.Callbacks{}, sink))
	})

	sent := make(chan struct{})
	id, err := fa.SendPath(context.Background(), path, transfer.Callbacks{
		OnComplete: func() { close(sent) },
		OnError:    func(err error) { t.Errorf("send failed: %v", err) },
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitSignal(t, sent, "sender completion")

	select {
	case data := <-received:
		assert.Equal(t, payload, data)
		assert.Equal(t, "payload.bin", offeredName)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for received content")
	}
}

// TestFerryToleratesForeignTraffic feeds the dispatch garbage, a heartbeat,
// and a chunk for an unknown transfer, then runs a normal transfer to show
// none of it disturbed the instance.
func TestFerryToleratesForeignTraffic(t *testing.T) {
	fa, fb := newFerryPair(t, e2eOptions())

	// Raw garbage, short frame, and wrong magic.
	fb.handleMessage([]byte("not a ferry frame at all"))
	fb.handleMessage([]byte{0x01})
	fb.handleMessage(nil)

	// Valid chunk frame for a transfer nobody registered.
	frame, err := wire.Encode(&wire.Packet{
		Type:       wire.PacketDataChunk,
		TransferID: "nobody-home",
		Sequence:   0,
		Payload:    []byte("lost"),
	}, e2eKey)
	require.NoError(t, err)
	fb.handleMessage(frame)

	// Heartbeat frame.
	frame, err = wire.Encode(&wire.Packet{Type: wire.PacketHeartbeat, TransferID: "ping"}, e2eKey)
	require.NoError(t, err)
	fb.handleMessage(frame)

	// The instance still transfers normally.
	received := acceptIntoMemory(t, fb, transfer.Callbacks{})
	payload := []byte("still alive")
	sent := make(chan struct{})
	source := transfer.NewReaderSource(bytes.NewReader(payload), fa.cfg.ChunkSize)
	err = fa.SendFile(context.Background(), NewTransferID(), "ok.bin", source, uint64(len(payload)), transfer.Callbacks{
		OnComplete: func() { close(sent) },
	})
	require.NoError(t, err)

	waitSignal(t, sent, "sender completion")
	select {
	case data := <-received:
		assert.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for received content")
	}
}

// TestFerryOfferAndChunksBeforeHandler verifies the full late-registration
// path: the offer and the whole chunk stream arrive before OnOffer is even
// registered, and nothing is lost.
func TestFerryOfferAndChunksBeforeHandler(t *testing.T) {
	_, fb := newFerryPair(t, e2eOptions())

	payload := []byte("early bird special")
	id := NewTransferID()

	offerPayload, err := wire.EncodeOfferPayload("early.bin", uint64(len(payload)))
	require.NoError(t, err)
	frame, err := wire.Encode(&wire.Packet{Type: wire.PacketOffer, TransferID: id, Payload: offerPayload}, e2eKey)
	require.NoError(t, err)
	fb.handleMessage(frame)

	frame, err = wire.Encode(&wire.Packet{Type: wire.PacketDataChunk, TransferID: id, Sequence: 0, Payload: payload}, e2eKey)
	require.NoError(t, err)
	fb.handleMessage(frame)

	// Handler registers after everything already arrived.
	received := acceptIntoMemory(t, fb, transfer.Callbacks{})

	select {
	case data := <-received:
		assert.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for received content")
	}
}

// TestFerryMalformedOfferIgnored verifies a truncated offer payload never
// reaches the offer handler.
func TestFerryMalformedOfferIgnored(t *testing.T) {
	_, fb := newFerryPair(t, e2eOptions())

	called := false
	fb.OnOffer(func(id, name string, size uint64) { called = true })

	frame, err := wire.Encode(&wire.Packet{
		Type:       wire.PacketOffer,
		TransferID: "bad-offer",
		Payload:    []byte{0x01, 0x02},
	}, e2eKey)
	require.NoError(t, err)
	fb.handleMessage(frame)

	assert.False(t, called)
}

// TestFerryCancelTransfer verifies cancellation by id and the not-found case.
func TestFerryCancelTransfer(t *testing.T) {
	opts := e2eOptions()
	// Slow pacing keeps the transfer alive long enough to cancel it.
	opts.Config.SendDelay = 50 * time.Millisecond
	fa, _ := newFerryPair(t, opts)

	err := fa.CancelTransfer("no-such-transfer")
	require.Error(t, err)
	assert.True(t, errors.Is(err, transfer.ErrTransferNotFound))

	source := transfer.NewReaderSource(bytes.NewReader(make([]byte, 1<<20)), fa.cfg.ChunkSize)
	id := NewTransferID()
	require.NoError(t, fa.SendFile(context.Background(), id, "big.bin", source, 1<<20, transfer.Callbacks{}))

	assert.NoError(t, fa.CancelTransfer(id))
}

// TestFerryKillClosesChannel verifies sends fail after Kill.
func TestFerryKillClosesChannel(t *testing.T) {
	fa, _ := newFerryPair(t, e2eOptions())

	fa.Kill()
	fa.Kill() // idempotent

	source := transfer.NewReaderSource(bytes.NewReader([]byte("late")), fa.cfg.ChunkSize)
	err := fa.SendFile(context.Background(), NewTransferID(), "late.bin", source, 4, transfer.Callbacks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, transfer.ErrChannelNotReady))
}

// TestFerryNewValidation verifies constructor input checks.
func TestFerryNewValidation(t *testing.T) {
	a, _ := channel.Pipe()

	_, err := New(a, nil)
	require.Error(t, err)

	_, err = New(a, &Options{Key: nil, Config: transfer.DefaultConfig()})
	require.Error(t, err)

	bad := transfer.DefaultConfig()
	bad.ChunkSize = 0
	_, err = New(a, &Options{Key: e2eKey, Config: bad})
	require.Error(t, err)
}

// TestNewOptionsGeneratesKey verifies defaults come with a usable key.
func TestNewOptionsGeneratesKey(t *testing.T) {
	opts, err := NewOptions()
	require.NoError(t, err)
	assert.NotEmpty(t, opts.Key)
	require.NoError(t, opts.Config.Validate())
}
