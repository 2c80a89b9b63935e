package xrdstream

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
)

// Resolver turns a bare hostname into an ordered list of addresses to try,
// matching spec.md §4.5's "resolve the host to an ordered list of addresses".
// The default implementation wraps net.LookupHost; tests supply a fake.
type Resolver interface {
	Resolve(host string) ([]string, error)
}

// EventListener receives channel-wide connection lifecycle notifications
// (spec.md §4.5's "channel-event listeners").
type EventListener interface {
	OnStreamEvent(event StreamEvent, streamNum int, status *xrdstatus.Status)
}

// Options configures the timing knobs a Stream enforces
// (spec.md §4.5's connection_window / stream_error_window / connection_retry).
type Options struct {
	ConnectionWindow  time.Duration
	StreamErrorWindow time.Duration
	ConnectionRetry   int
	HostPort          string // "host:port" this stream connects to.

	// Authenticator signs outgoing messages and verifies incoming ones
	// (spec.md §1's pluggable auth hook). Defaults to xrdproto.NoAuth, a
	// no-op, if left nil.
	Authenticator xrdproto.Authenticator
}

// Stream is one logical conduit to a remote endpoint, owning one or more
// sub-streams (spec.md §4.5). One mutex guards the sub-stream slice and
// session bookkeeping; each sub-stream additionally owns its own mutex for
// its socket/queue state, never held at the same time as the Stream mutex.
type Stream struct {
	mu   sync.Mutex
	subs []*subStream

	streamIndex int
	transport   xrdproto.Transport
	chState     xrdproto.ChannelState
	inQueue     *InQueue
	resolver    Resolver
	opts        Options
	listeners   []EventListener

	sessionID       uint64
	connectionCount int
	lastStreamError time.Time

	log *log.Entry
}

// NewStream builds a Stream with its main (index 0) sub-stream allocated but
// not yet connected.
func NewStream(streamIndex int, transport xrdproto.Transport, chState xrdproto.ChannelState, inQueue *InQueue, resolver Resolver, opts Options) *Stream {
	if opts.Authenticator == nil {
		opts.Authenticator = xrdproto.NoAuth{}
	}
	s := &Stream{
		streamIndex: streamIndex,
		transport:   transport,
		chState:     chState,
		inQueue:     inQueue,
		resolver:    resolver,
		opts:        opts,
		log:         log.WithField("component", "xrdstream").WithField("stream", streamIndex),
	}
	s.subs = []*subStream{newSubStream(0, s)}
	return s
}

// Index returns this stream's position in its channel's stream pool.
func (s *Stream) Index() int { return s.streamIndex }

// ConnectionCount reports how many times the main sub-stream has connected,
// exposed for diagnostics (pkg/xrdmonitor).
func (s *Stream) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionCount
}

// AddEventListener registers a channel-wide connection lifecycle observer.
func (s *Stream) AddEventListener(l EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Stream) notifyListeners(event StreamEvent, status *xrdstatus.Status) {
	s.mu.Lock()
	listeners := append([]EventListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnStreamEvent(event, s.streamIndex, status)
	}
}

func (s *Stream) sub(idx int) *subStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.subs) {
		return nil
	}
	return s.subs[idx]
}

// EnableLink implements spec.md §4.5's connection procedure. path.Up names
// the sub-stream that must end up with uplink enabled.
func (s *Stream) EnableLink(path xrdproto.PathID) *xrdstatus.Status {
	main := s.sub(0)
	switch main.Status() {
	case subConnecting:
		return nil // in-progress connect will bring up aux sub-streams too.

	case subConnected:
		down := s.sub(path.Down)
		if down == nil || down.Status() != subConnected {
			path.Down = 0
		}
		up := s.sub(path.Up)
		if up == nil || up.Status() == subDisconnected {
			path.Up = 0
			s.sub(0).enableUplink()
			return nil
		}
		up.enableUplink()
		return nil

	default: // subDisconnected
		if !s.lastStreamError.IsZero() && time.Since(s.lastStreamError) < s.opts.StreamErrorWindow {
			return xrdstatus.New(xrdstatus.KindConnectionError, "stream %s failed recently, refusing to retry yet", s.opts.HostPort)
		}
		return s.beginConnect(main)
	}
}

func (s *Stream) beginConnect(main *subStream) *xrdstatus.Status {
	host, _, err := splitHostPort(s.opts.HostPort)
	if err != nil {
		return xrdstatus.NewFatal(xrdstatus.KindInvalidAddr, "%v", err)
	}
	addrs, err := s.resolver.Resolve(host)
	if err != nil || len(addrs) == 0 {
		return xrdstatus.New(xrdstatus.KindInvalidAddr, "could not resolve %s: %v", host, err)
	}
	s.log.WithField("addrs", addrs).Debug("resolved host")

	main.mu.Lock()
	main.addrList = addrs
	main.status = subConnecting
	main.mu.Unlock()

	next := addrs[len(addrs)-1]
	main.mu.Lock()
	main.addrList = main.addrList[:len(main.addrList)-1]
	main.mu.Unlock()

	go main.connect(next, s.opts.ConnectionWindow)
	return nil
}

func splitHostPort(hostport string) (string, string, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("xrdstream: %q is not a host:port pair", hostport)
}

// Send implements spec.md §4.5's send algorithm.
func (s *Stream) Send(msg *xrdproto.Message, handler IncomingHandler, stateful bool, expiresAt time.Time) *xrdstatus.Status {
	if msg.HasSession() && msg.SessionID != s.currentSessionID() {
		return xrdstatus.New(xrdstatus.KindInvalidSession, "message bound to session %d, current session is %d", msg.SessionID, s.currentSessionID())
	}

	var hint *int
	path := s.transport.PathForMessage(s.chState, msg, hint)
	path.Up = s.clampIndex(path.Up)

	if status := s.EnableLink(path); status != nil {
		status.Severity = xrdstatus.Fatal
		return status
	}

	path = s.transport.PathForMessage(s.chState, msg, &path.Up)
	target := s.sub(path.Up)
	if target == nil {
		target = s.sub(0)
	}
	target.outQueue.Push(msg, handler, stateful, expiresAt)
	target.enableUplink()
	return nil
}

func (s *Stream) clampIndex(idx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.subs) {
		return 0
	}
	return idx
}

func (s *Stream) currentSessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// onConnect handles spec.md §4.5's on_connect(sub).
func (s *Stream) onConnect(subIdx int) {
	sub := s.sub(subIdx)
	sub.setStatus(subConnected)

	if subIdx != 0 {
		sub.enableUplink()
		return
	}

	s.mu.Lock()
	s.connectionCount = 0
	s.sessionID++
	newSessionID := s.sessionID
	s.mu.Unlock()
	_ = newSessionID

	n := s.transport.SubStreamNumber(s.chState)
	s.mu.Lock()
	for len(s.subs) < n {
		s.subs = append(s.subs, newSubStream(len(s.subs), s))
	}
	aux := append([]*subStream(nil), s.subs[1:]...)
	s.mu.Unlock()

	host, _, _ := splitHostPort(s.opts.HostPort)
	for _, a := range aux {
		addrs, err := s.resolver.Resolve(host)
		if err != nil || len(addrs) == 0 {
			s.moveWorkToMain(a)
			continue
		}
		a.setStatus(subConnecting)
		go a.connect(addrs[len(addrs)-1], s.opts.ConnectionWindow)
	}

	s.sub(0).enableUplink()
	s.notifyListeners(EventConnected, nil)
}

// onConnectError handles spec.md §4.5's on_connect_error(sub, err).
func (s *Stream) onConnectError(subIdx int, err error) {
	sub := s.sub(subIdx)
	sub.close()

	if subIdx != 0 {
		s.moveWorkToMain(sub)
		main := s.sub(0)
		if main.Status() == subConnected {
			main.enableUplink()
		}
		return
	}

	sub.mu.Lock()
	inWindow := time.Since(sub.connectInit) < s.opts.ConnectionWindow
	addrsLeft := len(sub.addrList) > 0
	sub.mu.Unlock()

	if inWindow && addrsLeft {
		sub.mu.Lock()
		next := sub.addrList[len(sub.addrList)-1]
		sub.addrList = sub.addrList[:len(sub.addrList)-1]
		sub.mu.Unlock()
		sub.setStatus(subConnecting)
		go sub.connect(next, s.opts.ConnectionWindow)
		return
	}

	s.mu.Lock()
	s.connectionCount++
	count := s.connectionCount
	retry := s.opts.ConnectionRetry
	s.mu.Unlock()

	if count < retry {
		s.log.WithField("error", err).Debug("scheduling reconnect")
		time.AfterFunc(s.opts.ConnectionWindow, func() {
			_ = s.EnableLink(xrdproto.PathID{Up: 0, Down: 0})
		})
		return
	}

	status := xrdstatus.NewFatal(xrdstatus.KindConnectionError, "%v", err)
	s.onFatalError(status)
}

func (s *Stream) moveWorkToMain(from *subStream) {
	items := from.outQueue.DrainAll()
	main := s.sub(0)
	for _, item := range items {
		main.outQueue.Push(item.msg, item.handler, item.stateful, item.expiresAt)
	}
}

// onIncoming handles spec.md §4.5's on_incoming(sub, msg).
func (s *Stream) onIncoming(subIdx int, msg *xrdproto.Message) {
	msg.SessionID = s.currentSessionID()
	if s.transport.Highjack(s.chState, msg) {
		return
	}
	s.inQueue.AddMessage(msg)
}

// onError handles spec.md §4.5's on_error(sub, status).
func (s *Stream) onError(subIdx int, status *xrdstatus.Status) {
	sub := s.sub(subIdx)
	sub.outQueue.DrainInFlightToFront()
	sub.close()

	if subIdx != 0 {
		main := s.sub(0)
		if !sub.outQueue.Empty() && main != nil && main.Status() != subDisconnected {
			s.moveWorkToMain(sub)
		} else {
			s.notifyListeners(EventFatalError, status)
		}
		return
	}

	s.mu.Lock()
	s.sessionID = 0
	remaining := make([]outItem, 0)
	subs := append([]*subStream(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		remaining = append(remaining, sub.outQueue.DrainAll()...)
	}

	if len(remaining) > 0 {
		_ = s.EnableLink(xrdproto.PathID{Up: 0, Down: 0})
		main := s.sub(0)
		for _, item := range remaining {
			if item.stateful {
				continue
			}
			main.outQueue.Push(item.msg, item.handler, item.stateful, item.expiresAt)
		}
	}

	s.notifyListeners(EventBroken, status)
	for _, item := range remaining {
		if item.stateful {
			item.handler.OnStatusReady(item.msg, status)
		}
	}
}

// onFatalError handles spec.md §4.5's on_fatal_error(sub, status).
func (s *Stream) onFatalError(status *xrdstatus.Status) {
	s.mu.Lock()
	s.lastStreamError = time.Now()
	subs := append([]*subStream(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		items := sub.outQueue.DrainAll()
		for _, item := range items {
			item.handler.OnStatusReady(item.msg, status)
		}
		sub.close()
	}
	s.notifyListeners(EventFatalError, status)
}

// Tick sweeps every out queue for expired entries and ages the in-queue's
// registered handlers (spec.md §4.5 "tick").
func (s *Stream) Tick(now time.Time) {
	s.mu.Lock()
	subs := append([]*subStream(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		expired := sub.outQueue.SweepExpired(now)
		NotifyTimeout(expired)
	}
	if len(subs) > 0 {
		s.inQueue.ReportTimeout(now)
	}
}
