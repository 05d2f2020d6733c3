package transport

import (
	"net"
	"sync"

	"github.com/cuemby/hive/pkg/log"
)

// HandlerFunc processes one inbound request and returns the reply to
// send back. It is called synchronously per connection — the caller
// decides how many connections (and therefore how much concurrency) to
// accept. A nil return aborts the connection instead of replying,
// letting a caller observe "connection closed" rather than a stale
// success when the handler's work was cancelled mid-flight.
type HandlerFunc func(req Message) Message

// ReplySocket binds a listener and serves inbound requests in strict
// request/reply order per connection. Different connections are served
// concurrently; one connection never pipelines (request N+1 is not read
// until reply N has been written).
type ReplySocket struct {
	ln      net.Listener
	handler HandlerFunc

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// Bind starts listening on addr (host:port, no scheme) and serving
// requests with handler. addr may be "host:0" to let the OS choose a
// port; use Addr() to read back what was bound.
func Bind(addr string, handler HandlerFunc) (*ReplySocket, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &ReplySocket{ln: ln, handler: handler, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound address as "tcp://ip:port".
func (s *ReplySocket) Addr() string {
	return "tcp://" + s.ln.Addr().String()
}

func (s *ReplySocket) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			log.WithComponent("transport").Warn().Err(err).Msg("accept failed")
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *ReplySocket) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		req, err := readFrame(conn)
		if err != nil {
			return // peer closed or sent garbage; nothing more to do
		}

		reply := s.handler(req)
		if reply == nil {
			return // handler aborted (e.g. actor stopping); drop the connection, no reply
		}
		if err := writeFrame(conn, reply); err != nil {
			return
		}
	}
}

// Close stops accepting new connections and waits for in-flight
// request handlers to finish processing their current request.
func (s *ReplySocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}
