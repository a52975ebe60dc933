// Package ferry implements reliable file transfer over ordered,
// size-limited, message-oriented duplex channels.
//
// The channel abstraction matches a WebRTC data channel: messages arrive
// whole and in order, the channel exposes its buffered byte count, and it
// may close at any moment. Ferry layers chunking, flow control, retries and
// per-transfer sessions on top, keeping memory bounded no matter how large
// the file is.
//
// # Getting Started
//
// Wrap a channel, create an instance, and stream a file:
//
//	opts, err := ferry.NewOptions()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	opts.Key = sharedKey // both endpoints must use the same key
//
//	f, err := ferry.New(ch, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer f.Kill()
//
//	id, err := f.SendPath(ctx, "video.mp4", transfer.Callbacks{
//	    OnProgress: func(percent, speed float64) {
//	        log.Printf("%.1f%% at %.0f B/s", percent, speed)
//	    },
//	    OnComplete: func() { log.Println("done") },
//	    OnError:    func(err error) { log.Println(err) },
//	})
//
// The receiving side learns about the transfer through OnOffer and accepts
// it into a sink:
//
//	f.OnOffer(func(id, name string, size uint64) {
//	    f.Accept(ctx, id, name, size, transfer.Callbacks{},
//	        transfer.DirSink{Dir: "downloads"})
//	})
//
// # Packages
//
// wire frames packets; obfs provides the repeating-key transform applied to
// frames; channel defines the duplex channel abstraction with WebRTC and
// websocket adapters; flow paces sends against the channel's buffer; transfer
// holds the sender and receiver state machines, sources and sinks.
package ferry
