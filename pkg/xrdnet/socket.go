// Package xrdnet owns raw byte-level socket I/O and the epoll-driven poller
// that multiplexes many sockets on one goroutine (spec.md §4.3 "Socket" and
// "Poller"). Everything above this package deals in Messages; this package
// deals only in bytes and file descriptors.
package xrdnet

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is a Socket's position in its connection lifecycle
// (spec.md §4.3 "Socket states").
type State int

const (
	Uninitialized State = iota
	Initialized
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Socket wraps one TCP connection to a single (host, port) endpoint, tracking
// the state machine a Stream's sub-streams drive it through. Read/WriteRaw
// are safe to call from the poller goroutine; Connect/Close take the mutex
// since they mutate state and conn.
type Socket struct {
	mu       sync.Mutex
	state    State
	addr     string
	conn     net.Conn
	lastUsed time.Time
	log      *log.Entry
}

// NewSocket builds an Initialized Socket for addr ("host:port"); no network
// I/O happens until Connect.
func NewSocket(addr string) *Socket {
	return &Socket{
		state: Initialized,
		addr:  addr,
		log:   log.WithField("component", "xrdnet.socket"),
	}
}

// Connect dials addr with a fixed timeout, transitioning
// Initialized/Disconnected -> Connecting -> Connected (or back to
// Disconnected on failure).
func (s *Socket) Connect(timeout time.Duration) error {
	s.mu.Lock()
	s.state = Connecting
	s.mu.Unlock()

	conn, err := net.DialTimeout("tcp", s.addr, timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Disconnected
		return fmt.Errorf("xrdnet: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	s.state = Connected
	s.lastUsed = time.Now()
	s.log.WithField("addr", s.addr).Debug("socket connected")
	return nil
}

// State reports the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the endpoint this socket was built for.
func (s *Socket) Addr() string {
	return s.addr
}

// FD extracts the raw file descriptor for poller registration. Only valid
// once Connected.
func (s *Socket) FD() (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return 0, fmt.Errorf("xrdnet: socket %s has no connection to extract a descriptor from", s.addr)
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("xrdnet: connection to %s does not expose a raw descriptor", s.addr)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctlErr := raw.Control(func(p uintptr) { fd = int(p) })
	if ctlErr != nil {
		return 0, ctlErr
	}
	return fd, nil
}

// ReadRaw reads whatever is currently available into buf.
func (s *Socket) ReadRaw(buf []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("xrdnet: read on unconnected socket %s", s.addr)
	}
	n, err := conn.Read(buf)
	if n > 0 {
		s.mu.Lock()
		s.lastUsed = time.Now()
		s.mu.Unlock()
	}
	return n, err
}

// WriteRaw writes buf in full.
func (s *Socket) WriteRaw(buf []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("xrdnet: write on unconnected socket %s", s.addr)
	}
	n, err := conn.Write(buf)
	if n > 0 {
		s.mu.Lock()
		s.lastUsed = time.Now()
		s.mu.Unlock()
	}
	return n, err
}

// IdleFor reports how long it has been since the last successful read or
// write, for the poller's idle-timeout sweep.
func (s *Socket) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUsed.IsZero() {
		return 0
	}
	return time.Since(s.lastUsed)
}

// Close tears down the underlying connection, transitioning to Disconnected.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.state = Disconnected
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.state = Disconnected
	return err
}
