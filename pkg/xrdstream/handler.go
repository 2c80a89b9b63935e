// Package xrdstream implements the Stream/sub-stream conduit that owns one
// or more sockets to a single endpoint, multiplexes outgoing messages, and
// dispatches incoming frames (spec.md §4.4, §4.5, §4.6).
package xrdstream

import (
	"time"

	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
)

// Action is what a handler returns from an incoming-message or stream-event
// callback, telling the in-queue/out-queue how to proceed
// (spec.md §4.6 "In-queue").
type Action int

const (
	// Take means the handler claims ownership of the message and stays
	// registered for further messages; scanning stops.
	Take Action = iota
	// Ignore means the handler declines the message; scanning continues.
	Ignore
	// RemoveHandler means the handler claims the message and is dropped from
	// the registry; scanning stops. For a stream event it only drops the
	// handler.
	RemoveHandler
)

// StreamEvent enumerates the notifications a Stream reports to its
// registered handlers and to the channel's event listeners
// (spec.md §4.5's on_connect/on_error/on_fatal_error/tick).
type StreamEvent int

const (
	EventConnected StreamEvent = iota
	EventBroken
	EventFatalError
	EventTimeout
)

// IncomingHandler receives frames matched to a specific in-flight request.
// The per-request state machine in pkg/xrdreq implements this.
type IncomingHandler interface {
	// OnIncoming is called once a full response Message has arrived.
	OnIncoming(msg *xrdproto.Message) Action

	// OnStreamEvent is called for connection lifecycle notifications not
	// tied to a specific message.
	OnStreamEvent(event StreamEvent, streamNum int, status *xrdstatus.Status) Action

	// OnReadyToSend is the last-chance mutation hook invoked immediately
	// before a queued message is handed to the socket for writing.
	OnReadyToSend(msg *xrdproto.Message, streamNum int)

	// OnStatusReady is called once a message has been fully written
	// (Ok) or failed to write.
	OnStatusReady(msg *xrdproto.Message, status *xrdstatus.Status)
}

// outItem is one entry in a sub-stream's out queue.
type outItem struct {
	msg       *xrdproto.Message
	handler   IncomingHandler
	stateful  bool
	expiresAt time.Time
}

// handlerReg is one registration in the in-queue's handler list.
type handlerReg struct {
	handler   IncomingHandler
	expiresAt time.Time
}
