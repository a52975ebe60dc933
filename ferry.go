package ferry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ferrylabs/ferry/channel"
	"github.com/ferrylabs/ferry/transfer"
	"github.com/ferrylabs/ferry/wire"
)

// OfferHandler is invoked when the remote peer announces a transfer. The
// local side decides whether to call Accept with the offered id.
type OfferHandler func(transferID, fileName string, fileSize uint64)

// Ferry binds one duplex channel to a set of file transfers: it frames and
// obfuscates outgoing chunks, dispatches incoming frames to their receiving
// sessions, and drops everything it cannot attribute without disturbing the
// channel's other traffic.
type Ferry struct {
	ch       channel.Channel
	key      []byte
	cfg      transfer.Config
	registry *transfer.Registry

	// mu guards the offer handler, offers that arrived before one was
	// registered, and chunks that arrived for an offered-but-not-yet-accepted
	// transfer.
	mu            sync.Mutex
	onOffer       OfferHandler
	pendingOffers []pendingOffer
	earlyChunks   map[string][]earlyChunk
	killed        bool
}

type pendingOffer struct {
	transferID string
	fileName   string
	fileSize   uint64
}

type earlyChunk struct {
	seq     uint32
	payload []byte
}

// maxEarlyChunks bounds the chunks held per transfer between its offer and
// the Accept call. Chunks beyond the bound are dropped like any other
// unattributable frame.
const maxEarlyChunks = 256

// New wires a Ferry to the given channel. The channel's message handler is
// claimed for inbound dispatch; frames that do not parse as transfer packets
// are ignored, so the instance tolerates foreign traffic on a shared channel.
func New(ch channel.Channel, opts *Options) (*Ferry, error) {
	if opts == nil || len(opts.Key) == 0 {
		return nil, fmt.Errorf("options with a non-empty obfuscation key are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer config: %w", err)
	}

	f := &Ferry{
		ch:          ch,
		key:         opts.Key,
		cfg:         opts.Config,
		registry:    transfer.NewRegistry(),
		earlyChunks: make(map[string][]earlyChunk),
	}
	ch.OnMessage(f.handleMessage)

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"chunk_size": opts.Config.ChunkSize,
	}).Info("Ferry instance created")

	return f, nil
}

// NewTransferID returns a fresh unique transfer identifier.
func NewTransferID() string {
	return uuid.New().String()
}

// OnOffer registers the handler for incoming transfer announcements. Offers
// that arrived before registration are delivered first, in arrival order.
func (f *Ferry) OnOffer(handler OfferHandler) {
	f.mu.Lock()
	f.onOffer = handler
	pending := f.pendingOffers
	f.pendingOffers = nil
	f.mu.Unlock()

	for _, offer := range pending {
		handler(offer.transferID, offer.fileName, offer.fileSize)
	}
}

// Registry exposes the active transfer table, mainly for inspection.
func (f *Ferry) Registry() *transfer.Registry {
	return f.registry
}

// SendFile streams a source to the peer under the given transfer id. The
// peer learns the file name and declared size from an offer packet sent
// ahead of the chunk stream. The transfer runs on its own goroutine;
// completion and failure are reported through the callbacks.
func (f *Ferry) SendFile(ctx context.Context, transferID, fileName string, source transfer.Source, size uint64, cb transfer.Callbacks) error {
	s, err := transfer.NewSender(transferID, source, size, f.ch, f.key, f.cfg, f.registry, cb)
	if err != nil {
		return err
	}

	if err := s.Start(); err != nil {
		return err
	}

	if err := f.sendOffer(transferID, fileName, size); err != nil {
		// Run never starts, so the cooperative cancel flag would go
		// unobserved; tear the registration down directly.
		s.Abort()
		return err
	}

	go func() {
		if err := s.Run(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "SendFile",
				"transfer_id": transferID,
				"error":       err.Error(),
			}).Error("Transfer terminated with error")
		}
	}()

	return nil
}

// SendPath streams a local file, generating a fresh transfer id. The returned
// id is what the peer sees in the offer.
func (f *Ferry) SendPath(ctx context.Context, path string, cb transfer.Callbacks) (string, error) {
	source, err := transfer.NewFileSource(path, f.cfg.ChunkSize)
	if err != nil {
		return "", err
	}

	transferID := NewTransferID()
	if err := f.SendFile(ctx, transferID, filepath.Base(path), source, uint64(source.Size()), cb); err != nil {
		source.Close()
		return "", err
	}
	return transferID, nil
}

// Accept starts receiving the identified transfer. The session registers
// immediately, so chunks arriving while the sink opens are staged rather than
// dropped; sink acquisition proceeds on its own goroutine through the tiers
// in order.
func (f *Ferry) Accept(ctx context.Context, transferID, fileName string, size uint64, cb transfer.Callbacks, sinks ...transfer.Sink) error {
	r, err := transfer.NewReceiver(transferID, fileName, size, f.registry, cb)
	if err != nil {
		return err
	}

	// Chunks that raced ahead of this Accept were held at dispatch; hand
	// them to the session, which stages them until the sink is ready.
	f.mu.Lock()
	early := f.earlyChunks[transferID]
	delete(f.earlyChunks, transferID)
	f.mu.Unlock()

	for _, chunk := range early {
		if err := r.HandleChunk(ctx, chunk.seq, chunk.payload); err != nil {
			return err
		}
	}

	go func() {
		writer, err := transfer.OpenFirst(ctx, fileName, size, sinks...)
		if err != nil {
			r.FailSink(err)
			return
		}
		if err := r.SetReady(ctx, writer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Accept",
				"transfer_id": transferID,
				"error":       err.Error(),
			}).Error("Staged chunk replay failed")
		}
	}()

	return nil
}

// CancelTransfer cancels the identified transfer in whichever role it is
// active. Cancellation is silent: no callbacks fire.
func (f *Ferry) CancelTransfer(transferID string) error {
	if s, ok := f.registry.Sender(transferID); ok {
		s.Cancel()
		return nil
	}
	if r, ok := f.registry.Receiver(transferID); ok {
		r.Cancel()
		return nil
	}
	return fmt.Errorf("%w: %q", transfer.ErrTransferNotFound, transferID)
}

// Kill cancels every active transfer and closes the channel. The instance is
// unusable afterwards.
func (f *Ferry) Kill() {
	f.mu.Lock()
	if f.killed {
		f.mu.Unlock()
		return
	}
	f.killed = true
	f.earlyChunks = nil
	f.pendingOffers = nil
	f.mu.Unlock()

	f.registry.CancelAll()
	if err := f.ch.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
			"error":    err.Error(),
		}).Warn("Channel close failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
	}).Info("Ferry instance shut down")
}

// sendOffer announces a transfer's metadata ahead of its chunk stream.
func (f *Ferry) sendOffer(transferID, fileName string, size uint64) error {
	payload, err := wire.EncodeOfferPayload(fileName, size)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(&wire.Packet{
		Type:       wire.PacketOffer,
		TransferID: transferID,
		Payload:    payload,
	}, f.key)
	if err != nil {
		return err
	}
	return f.ch.Send(frame)
}

// handleMessage is the inbound dispatch. Anything that does not parse as one
// of our frames, or refers to no known transfer, is logged at debug level and
// dropped; inbound traffic never errors the channel.
func (f *Ferry) handleMessage(data []byte) {
	packet, err := wire.Decode(data, f.key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleMessage",
			"size":     len(data),
		}).Debug("Ignoring foreign datagram")
		return
	}

	switch packet.Type {
	case wire.PacketHeartbeat:
		logrus.WithFields(logrus.Fields{
			"function":    "handleMessage",
			"transfer_id": packet.TransferID,
		}).Debug("Heartbeat received")

	case wire.PacketOffer:
		f.handleOffer(packet)

	case wire.PacketDataChunk:
		r, ok := f.registry.Receiver(packet.TransferID)
		if !ok {
			if f.stageEarlyChunk(packet) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function":    "handleMessage",
				"transfer_id": packet.TransferID,
				"sequence":    packet.Sequence,
			}).Debug("Chunk for unknown transfer, ignoring")
			return
		}
		if err := r.HandleChunk(context.Background(), packet.Sequence, packet.Payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "handleMessage",
				"transfer_id": packet.TransferID,
				"sequence":    packet.Sequence,
				"error":       err.Error(),
			}).Error("Chunk processing failed")
		}

	default:
		logrus.WithFields(logrus.Fields{
			"function":    "handleMessage",
			"packet_type": packet.Type,
		}).Debug("Unhandled packet type, ignoring")
	}
}

func (f *Ferry) handleOffer(packet *wire.Packet) {
	fileName, fileSize, err := wire.DecodeOfferPayload(packet.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleOffer",
			"transfer_id": packet.TransferID,
			"error":       err.Error(),
		}).Debug("Malformed offer, ignoring")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "handleOffer",
		"transfer_id": packet.TransferID,
		"file_name":   fileName,
		"file_size":   fileSize,
	}).Info("Transfer offered by peer")

	f.mu.Lock()
	if f.killed {
		f.mu.Unlock()
		return
	}
	handler := f.onOffer
	if _, seen := f.earlyChunks[packet.TransferID]; !seen {
		// Mark the id as offered so chunks racing ahead of Accept are held.
		f.earlyChunks[packet.TransferID] = nil
	}
	if handler == nil {
		f.pendingOffers = append(f.pendingOffers, pendingOffer{
			transferID: packet.TransferID,
			fileName:   fileName,
			fileSize:   fileSize,
		})
	}
	f.mu.Unlock()

	if handler != nil {
		handler(packet.TransferID, fileName, fileSize)
	}
}

// stageEarlyChunk holds a chunk whose transfer was offered but not yet
// accepted. Reports whether the chunk was attributed to a pending offer.
func (f *Ferry) stageEarlyChunk(packet *wire.Packet) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	chunks, offered := f.earlyChunks[packet.TransferID]
	if !offered {
		return false
	}
	if len(chunks) >= maxEarlyChunks {
		logrus.WithFields(logrus.Fields{
			"function":    "stageEarlyChunk",
			"transfer_id": packet.TransferID,
			"sequence":    packet.Sequence,
		}).Debug("Early chunk bound exceeded, dropping")
		return true
	}

	f.earlyChunks[packet.TransferID] = append(chunks, earlyChunk{
		seq:     packet.Sequence,
		payload: append([]byte(nil), packet.Payload...),
	})
	return true
}
