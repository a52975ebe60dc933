// Command ferry transfers a single file between two machines over a
// websocket. The receiver listens, the sender dials, and both must be given
// the same obfuscation key (generate one with the keygen command).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ferrylabs/ferry"
	"github.com/ferrylabs/ferry/channel"
	"github.com/ferrylabs/ferry/obfs"
	"github.com/ferrylabs/ferry/transfer"
)

func main() {
	parser := argparse.NewParser("ferry", "Reliable file transfer over message channels")

	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Enable debug logging"})

	sendCmd := parser.NewCommand("send", "Dial a receiver and stream a file to it")
	sendURL := sendCmd.String("u", "url", &argparse.Options{Required: true, Help: "Receiver websocket URL, e.g. ws://host:8040/ferry"})
	sendFile := sendCmd.String("f", "file", &argparse.Options{Required: true, Help: "File path to send"})
	sendKey := sendCmd.String("k", "key", &argparse.Options{Required: true, Help: "Obfuscation key (hex)"})

	recvCmd := parser.NewCommand("recv", "Listen for a sender and receive one file")
	recvAddr := recvCmd.String("l", "listen", &argparse.Options{Required: false, Help: "Listen address", Default: ":8040"})
	recvDir := recvCmd.String("d", "dir", &argparse.Options{Required: false, Help: "Destination directory", Default: "."})
	recvKey := recvCmd.String("k", "key", &argparse.Options{Required: true, Help: "Obfuscation key (hex)"})

	keygenCmd := parser.NewCommand("keygen", "Generate a fresh obfuscation key")

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logrus.SetLevel(logrus.WarnLevel)
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var err error
	switch {
	case sendCmd.Happened():
		err = runSend(*sendURL, *sendFile, *sendKey)
	case recvCmd.Happened():
		err = runRecv(*recvAddr, *recvDir, *recvKey)
	case keygenCmd.Happened():
		err = runKeygen()
	default:
		fmt.Print(parser.Usage(nil))
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runKeygen() error {
	key, err := obfs.NewKey(obfs.DefaultKeySize)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(key))
	return nil
}

func parseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("key must not be empty")
	}
	return key, nil
}

func newInstance(conn *websocket.Conn, key []byte) (*ferry.Ferry, error) {
	cfg := transfer.DefaultConfig()
	return ferry.New(channel.NewWSChannel(conn), &ferry.Options{Key: key, Config: cfg})
}

func runSend(url, path, hexKey string) error {
	key, err := parseKey(hexKey)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial receiver: %w", err)
	}

	f, err := newInstance(conn, key)
	if err != nil {
		return err
	}
	defer f.Kill()

	done := make(chan error, 1)
	_, err = f.SendPath(context.Background(), path, transfer.Callbacks{
		OnProgress: func(percent, speed float64) {
			fmt.Printf("\r%6.2f%%  %8.0f KB/s", percent, speed/1024)
		},
		OnComplete: func() {
			fmt.Println()
			done <- nil
		},
		OnError: func(err error) {
			fmt.Println()
			done <- err
		},
	})
	if err != nil {
		return err
	}

	return <-done
}

func runRecv(addr, dir, hexKey string) error {
	key, err := parseKey(hexKey)
	if err != nil {
		return err
	}

	upgrader := websocket.Upgrader{
		// The sender is authenticated by knowing the key, not by origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	done := make(chan error, 1)
	conns := make(chan *websocket.Conn, 1)

	server := &http.Server{Addr: addr}
	http.HandleFunc("/ferry", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runRecv",
				"error":    err.Error(),
			}).Warn("Websocket upgrade failed")
			return
		}
		select {
		case conns <- conn:
		default:
			conn.Close() // one sender per run
		}
	})

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			done <- err
		}
	}()
	defer server.Close()

	fmt.Printf("listening on %s, waiting for sender\n", addr)

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case err := <-done:
		return err
	}

	f, err := newInstance(conn, key)
	if err != nil {
		return err
	}
	defer f.Kill()

	f.OnOffer(func(id, name string, size uint64) {
		fmt.Printf("receiving %q (%d bytes)\n", name, size)
		err := f.Accept(context.Background(), id, name, size, transfer.Callbacks{
			OnProgress: func(percent, speed float64) {
				fmt.Printf("\r%6.2f%%  %8.0f KB/s", percent, speed/1024)
			},
			OnComplete: func() {
				fmt.Println()
				done <- nil
			},
			OnError: func(err error) {
				fmt.Println()
				done <- err
			},
		}, transfer.TempFileSink{Dir: dir})
		if err != nil {
			done <- err
		}
	})

	if err := <-done; err != nil {
		return err
	}
	fmt.Println("done")
	return nil
}
