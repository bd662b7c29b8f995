package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
)

// DefaultSocket is where cmd/relay looks for an emulated card.
const DefaultSocket = "/tmp/ecard-pipe"

// Serve exposes card on l. Each frame travels with a two byte big endian length prefix in both
// directions. Serve returns when ctx is cancelled or the listener fails.
func Serve(ctx context.Context, l net.Listener, card *Card) error {

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handle(conn, card)
	}

}

func handle(conn net.Conn, card *Card) {

	defer conn.Close()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("Emulator read failed", "error", err)
			}
			return
		}

		response, err := card.Transmit(frame)
		if err != nil {
			// A removed tag never answers; the reader sees the connection close.
			return
		}

		if err := WriteFrame(conn, response); err != nil {
			slog.Debug("Emulator write failed", "error", err)
			return
		}
	}

}

func ReadFrame(r io.Reader) ([]byte, error) {
	var n [2]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	frame := make([]byte, binary.BigEndian.Uint16(n[:]))
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func WriteFrame(w io.Writer, frame []byte) error {
	buf := make([]byte, 2, 2+len(frame))
	binary.BigEndian.PutUint16(buf, uint16(len(frame)))
	_, err := w.Write(append(buf, frame...))
	return err
}
