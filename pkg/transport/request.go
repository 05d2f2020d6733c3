package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrSocketTimeout is returned by Request when no reply arrives within
// the caller's timeout. The socket is poisoned after this error; the
// caller must Close it rather than reuse it.
var ErrSocketTimeout = errors.New("transport: request timed out")

// RequestSocket is a single connected request/reply client socket.
// Requests are single-shot: no pipelining. A timed-out request leaves
// the socket's state on the wire unknown, so it is marked poisoned and
// must be discarded by the caller.
type RequestSocket struct {
	endpoint string
	conn     net.Conn

	mu     sync.Mutex
	closed bool
}

// Dial connects to endpoint, of the form "tcp://ip:port"; a bare
// "ip:port" without the scheme is accepted as well.
func Dial(endpoint string) (*RequestSocket, error) {
	addr := strings.TrimPrefix(endpoint, "tcp://")
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	return &RequestSocket{endpoint: endpoint, conn: conn}, nil
}

// Endpoint returns the endpoint this socket was dialed to.
func (s *RequestSocket) Endpoint() string {
	return s.endpoint
}

// Request sends payload and waits up to timeout for a reply. On
// timeout the socket is closed and poisoned; ErrSocketTimeout is
// returned. On any other transport failure the socket is also closed,
// since its state is no longer trustworthy for reuse.
func (s *RequestSocket) Request(payload Message, timeout time.Duration) (Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("transport: socket is closed")
	}
	conn := s.conn
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		s.Close()
		return nil, err
	}

	if err := writeFrame(conn, payload); err != nil {
		s.Close()
		if isTimeout(err) {
			return nil, ErrSocketTimeout
		}
		return nil, err
	}

	reply, err := readFrame(conn)
	if err != nil {
		s.Close()
		if isTimeout(err) {
			return nil, ErrSocketTimeout
		}
		return nil, err
	}

	return reply, nil
}

// Closed reports whether this socket has been discarded.
func (s *RequestSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close discards the socket. Safe to call multiple times.
func (s *RequestSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
