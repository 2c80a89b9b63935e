//go:build linux
// +build linux

package xrdnet

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// EventKind classifies one readiness notification delivered by the poller.
type EventKind int

const (
	EventReadable EventKind = iota
	EventWritable
	EventError
)

// Event is one readiness notification for a registered Socket.
type Event struct {
	Socket *Socket
	Kind   EventKind
}

// Poller multiplexes readiness across many Sockets on a single epoll
// instance (spec.md §4.3 "Poller"), the same one-goroutine-owns-many-fds
// shape the teacher's mtcp server loop uses for its listener, generalized
// here to handle both read and write readiness, plus idle-timeout sweeps.
type Poller struct {
	epfd int

	mu      sync.Mutex
	sockets map[int]*Socket
	writing map[int]bool

	events chan Event

	idleTimeout time.Duration

	stopSyn chan struct{}
	stopAck chan struct{}

	log *log.Entry
}

// NewPoller creates an epoll instance. idleTimeout of 0 disables the idle
// sweep.
func NewPoller(idleTimeout time.Duration) (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("xrdnet: epoll_create1: %w", err)
	}
	return &Poller{
		epfd:        fd,
		sockets:     make(map[int]*Socket),
		writing:     make(map[int]bool),
		events:      make(chan Event, 64),
		idleTimeout: idleTimeout,
		stopSyn:     make(chan struct{}),
		stopAck:     make(chan struct{}),
		log:         log.WithField("component", "xrdnet.poller"),
	}, nil
}

// Events is the channel readiness notifications are delivered on.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// Add registers sock for read readiness.
func (p *Poller) Add(sock *Socket) error {
	fd, err := sock.FD()
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("xrdnet: epoll_ctl add fd %d: %w", fd, err)
	}
	p.mu.Lock()
	p.sockets[fd] = sock
	p.mu.Unlock()
	return nil
}

// EnableWrite arms write readiness for sock, used when a Stream has
// buffered bytes waiting to go out (spec.md §4.4 "enable_link").
func (p *Poller) EnableWrite(sock *Socket) error {
	return p.modify(sock, true)
}

// DisableWrite disarms write readiness once the outgoing buffer has drained.
func (p *Poller) DisableWrite(sock *Socket) error {
	return p.modify(sock, false)
}

func (p *Poller) modify(sock *Socket, wantWrite bool) error {
	fd, err := sock.FD()
	if err != nil {
		return err
	}
	events := uint32(unix.EPOLLIN)
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("xrdnet: epoll_ctl mod fd %d: %w", fd, err)
	}
	p.mu.Lock()
	p.writing[fd] = wantWrite
	p.mu.Unlock()
	return nil
}

// Remove unregisters sock. Safe to call even if sock was never added.
func (p *Poller) Remove(sock *Socket) error {
	fd, err := sock.FD()
	if err != nil {
		return nil // already closed; nothing to unregister.
	}
	p.mu.Lock()
	delete(p.sockets, fd)
	delete(p.writing, fd)
	p.mu.Unlock()
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

// Run drives the epoll_wait loop until Stop is called. Intended to run in
// its own goroutine; one Poller serves every Socket in a process
// (spec.md §4.3 "one poller thread").
func (p *Poller) Run() {
	defer close(p.stopAck)

	const maxEvents = 128
	raw := make([]unix.EpollEvent, maxEvents)

	sweepEvery := p.idleTimeout
	if sweepEvery <= 0 {
		sweepEvery = time.Hour
	}
	lastSweep := time.Now()

	for {
		select {
		case <-p.stopSyn:
			return
		default:
		}

		n, err := unix.EpollWait(p.epfd, raw, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.log.WithField("error", err).Error("epoll_wait failed")
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(raw[i].Fd)
			p.mu.Lock()
			sock := p.sockets[fd]
			p.mu.Unlock()
			if sock == nil {
				continue
			}
			switch {
			case raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0:
				p.deliver(Event{Socket: sock, Kind: EventError})
			default:
				if raw[i].Events&unix.EPOLLIN != 0 {
					p.deliver(Event{Socket: sock, Kind: EventReadable})
				}
				if raw[i].Events&unix.EPOLLOUT != 0 {
					p.deliver(Event{Socket: sock, Kind: EventWritable})
				}
			}
		}

		if p.idleTimeout > 0 && time.Since(lastSweep) >= sweepEvery {
			p.sweepIdle()
			lastSweep = time.Now()
		}
	}
}

func (p *Poller) deliver(ev Event) {
	select {
	case p.events <- ev:
	case <-p.stopSyn:
	}
}

func (p *Poller) sweepIdle() {
	p.mu.Lock()
	stale := make([]*Socket, 0)
	for _, sock := range p.sockets {
		if sock.IdleFor() >= p.idleTimeout {
			stale = append(stale, sock)
		}
	}
	p.mu.Unlock()

	for _, sock := range stale {
		p.deliver(Event{Socket: sock, Kind: EventError})
	}
}

// Stop halts the Run loop and releases the epoll descriptor.
func (p *Poller) Stop() error {
	close(p.stopSyn)
	<-p.stopAck
	return unix.Close(p.epfd)
}
