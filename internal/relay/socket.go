package relay

import (
	"net"
	"sync"
	"time"

	"github.com/schjonhaug/tapcustody/internal/emulator"
)

// Socket is a Transport to an emulated card listening on a unix socket.
type Socket struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func DialSocket(path string, timeout time.Duration) (*Socket, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	return &Socket{conn: conn, timeout: timeout}, nil
}

func (s *Socket) Transmit(frame []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeout > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return nil, err
		}
	}
	if err := emulator.WriteFrame(s.conn, frame); err != nil {
		return nil, err
	}
	return emulator.ReadFrame(s.conn)
}

func (s *Socket) Close() error {
	return s.conn.Close()
}
