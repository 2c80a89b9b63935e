package xrdstream

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ljanyst/xrdclient/pkg/xrdnet"
	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
)

// subStatus mirrors Socket's Connected/Connecting/Disconnected states, kept
// as the Stream's own view of each sub-stream
// (spec.md §4.5 "Per-sub-stream state").
type subStatus int

const (
	subDisconnected subStatus = iota
	subConnecting
	subConnected
)

// subStream is one socket-backed conduit within a Stream: index 0 is the
// main sub-stream that carries the handshake, any further indices are
// opened once the transport reports a higher SubStreamNumber
// (spec.md §4.5).
type subStream struct {
	index  int
	stream *Stream

	mu          sync.Mutex
	cond        *sync.Cond
	status      subStatus
	socket      *xrdnet.Socket
	uplink      bool
	addrList    []string
	connectInit time.Time

	outQueue *OutQueue
	closed   bool

	stopCh chan struct{}
}

func newSubStream(index int, stream *Stream) *subStream {
	s := &subStream{
		index:    index,
		stream:   stream,
		outQueue: NewOutQueue(),
		stopCh:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subStream) Status() subStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *subStream) setStatus(st subStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// enableUplink arms the write loop; harmless if already armed.
func (s *subStream) enableUplink() {
	s.mu.Lock()
	s.uplink = true
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subStream) disableUplink() {
	s.mu.Lock()
	s.uplink = false
	s.mu.Unlock()
}

// connect dials the next address in addrList, blocking the calling
// goroutine. Meant to run on its own goroutine spawned by Stream.
func (s *subStream) connect(addr string, timeout time.Duration) {
	sock := xrdnet.NewSocket(addr)
	s.mu.Lock()
	s.socket = sock
	s.connectInit = time.Now()
	s.mu.Unlock()

	if err := sock.Connect(timeout); err != nil {
		s.stream.onConnectError(s.index, err)
		return
	}

	if s.index == 0 {
		if err := s.performHandshake(sock); err != nil {
			s.stream.onConnectError(s.index, err)
			return
		}
	}

	s.stream.onConnect(s.index)
	go s.readLoop()
	go s.writeLoop()
}

// performHandshake drives spec.md §4.4's "on connect, run the handshake by
// calling the transport repeatedly" on the main sub-stream, synchronously,
// before the sub-stream is handed over to the steady-state read/write loops.
func (s *subStream) performHandshake(sock *xrdnet.Socket) error {
	data := &xrdproto.HandShakeData{Step: xrdproto.HandShakeStart}
	for {
		if err := s.stream.transport.Handshake(s.stream.chState, data); err != nil {
			return err
		}
		if data.Out != nil {
			if _, err := sock.WriteRaw(data.Out.Bytes()); err != nil {
				return err
			}
			data.Out = nil
		}
		if data.Step == xrdproto.HandShakeComplete {
			return nil
		}
		if data.Step == xrdproto.HandShakeFailed {
			return fmt.Errorf("xrdstream: handshake failed")
		}
		msg, err := readOneFrame(sock)
		if err != nil {
			return err
		}
		data.In = msg
	}
}

// readOneFrame blocks until one complete response frame has been read off
// sock, used only during the synchronous handshake before the steady-state
// read loop takes over.
func readOneFrame(sock *xrdnet.Socket) (*xrdproto.Message, error) {
	header := make([]byte, xrdproto.ResponseHeaderSize)
	if err := readFull(sock, header); err != nil {
		return nil, err
	}
	hdr, err := xrdproto.UnmarshalResponseHeader(header)
	if err != nil {
		return nil, err
	}
	body := make([]byte, hdr.DataLen)
	if err := readFull(sock, body); err != nil {
		return nil, err
	}
	msg := xrdproto.WrapMessage(append(header, body...))
	return msg, nil
}

// readFull reads exactly len(buf) bytes from sock.
func readFull(sock *xrdnet.Socket, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := sock.ReadRaw(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}

func (s *subStream) readLoop() {
	log := log.WithField("component", "xrdstream.substream").WithField("sub", s.index)
	buf := make([]byte, 64*1024)
	var acc []byte

	for {
		s.mu.Lock()
		sock := s.socket
		s.mu.Unlock()
		if sock == nil {
			return
		}

		n, err := sock.ReadRaw(buf)
		if err != nil {
			log.WithField("error", err).Debug("read loop exiting")
			s.stream.onError(s.index, xrdstatus.New(xrdstatus.KindSocketError, "%v", err))
			return
		}
		acc = append(acc, buf[:n]...)

	readAvailable:
		for {
			if len(acc) < xrdproto.ResponseHeaderSize {
				break
			}
			hdr, err := xrdproto.UnmarshalResponseHeader(acc)
			if err != nil {
				s.stream.onError(s.index, xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err))
				return
			}
			available := acc[xrdproto.ResponseHeaderSize:]
			if len(available) > int(hdr.DataLen) {
				available = available[:hdr.DataLen]
			}
			frame := s.stream.transport.ParseFrame(xrdproto.RequestID(0), hdr, available)
			switch frame {
			case xrdproto.FrameRetry:
				break readAvailable
			case xrdproto.FrameError:
				s.stream.onError(s.index, xrdstatus.New(xrdstatus.KindInvalidResponse, "frame parse error"))
				return
			case xrdproto.FrameOk:
				total := xrdproto.ResponseHeaderSize + int(hdr.DataLen)
				msg := xrdproto.WrapMessage(append([]byte(nil), acc[:total]...))
				acc = acc[total:]
				if err := s.stream.opts.Authenticator.VerifyResponse(msg); err != nil {
					s.stream.onError(s.index, xrdstatus.New(xrdstatus.KindAuthError, "%v", err))
					return
				}
				s.stream.onIncoming(s.index, msg)
			}
		}
	}
}

func (s *subStream) writeLoop() {
	for {
		s.mu.Lock()
		for !s.uplink {
			select {
			case <-s.stopCh:
				s.mu.Unlock()
				return
			default:
			}
			s.cond.Wait()
		}
		sock := s.socket
		s.mu.Unlock()

		if sock == nil {
			return
		}

		item, ok := s.outQueue.PopForWrite()
		if !ok {
			s.disableUplink()
			continue
		}

		if err := s.stream.opts.Authenticator.SignRequest(item.msg); err != nil {
			s.outQueue.CompleteInFlight()
			if item.handler != nil {
				item.handler.OnStatusReady(item.msg, xrdstatus.New(xrdstatus.KindAuthError, "%v", err))
			}
			continue
		}

		if item.handler != nil {
			item.handler.OnReadyToSend(item.msg, s.stream.streamIndex)
		}
		_, err := sock.WriteRaw(item.msg.Bytes())
		if err != nil {
			s.outQueue.DrainInFlightToFront()
			s.stream.onError(s.index, xrdstatus.New(xrdstatus.KindSocketError, "%v", err))
			return
		}
		s.outQueue.CompleteInFlight()
		if item.handler != nil {
			item.handler.OnStatusReady(item.msg, &xrdstatus.Status{Severity: xrdstatus.Ok})
		}
	}
}

func (s *subStream) close() {
	s.mu.Lock()
	sock := s.socket
	s.socket = nil
	s.status = subDisconnected
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed {
		close(s.stopCh)
	}
	s.cond.Broadcast()
	if sock != nil {
		_ = sock.Close()
	}
}
