package xrdstream

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
)

// InQueue is the per-channel ordered list of undelivered response messages
// paired with an ordered list of pending handler registrations
// (spec.md §4.6). One mutex guards both lists, matching the "one mutex per
// InQueue" locking discipline.
type InQueue struct {
	mu       sync.Mutex
	messages []*xrdproto.Message
	handlers []handlerReg
	log      *log.Entry
}

// NewInQueue builds an empty InQueue.
func NewInQueue() *InQueue {
	return &InQueue{log: log.WithField("component", "xrdstream.inqueue")}
}

// AddMessage offers msg to every registered handler in order. The first
// handler to return Take or RemoveHandler claims it; a Take keeps that
// handler registered, a RemoveHandler drops it from the registry. If no
// handler claims the message it is retained for a future AddHandler probe.
func (q *InQueue) AddMessage(msg *xrdproto.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	taken := false
	kept := q.handlers[:0]
	for _, reg := range q.handlers {
		if taken {
			kept = append(kept, reg)
			continue
		}
		action := reg.handler.OnIncoming(msg)
		switch action {
		case Take:
			taken = true
			kept = append(kept, reg)
		case RemoveHandler:
			// claimed and dropped: do not re-append.
			taken = true
		default:
			kept = append(kept, reg)
		}
	}
	q.handlers = kept

	if !taken {
		q.messages = append(q.messages, msg)
	}
}

// AddHandler registers handler with the given absolute expiry, first probing
// it against every retained message in arrival order; any message it takes
// is removed from the retained list. A handler that answers RemoveHandler
// consumes that message and is not registered.
func (q *InQueue) AddHandler(handler IncomingHandler, expires time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.messages[:0]
	registered := true
	for _, msg := range q.messages {
		if !registered {
			remaining = append(remaining, msg)
			continue
		}
		action := handler.OnIncoming(msg)
		switch action {
		case Take:
			// consumed; the handler stays registered and keeps probing.
		case RemoveHandler:
			registered = false
		default:
			remaining = append(remaining, msg)
		}
	}
	q.messages = remaining

	if registered {
		q.handlers = append(q.handlers, handlerReg{handler: handler, expiresAt: expires})
	}
}

// ReportStreamEvent dispatches event to every registered handler, dropping
// any that return RemoveHandler.
func (q *InQueue) ReportStreamEvent(event StreamEvent, streamNum int, status *xrdstatus.Status) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.handlers[:0]
	for _, reg := range q.handlers {
		if reg.handler.OnStreamEvent(event, streamNum, status) != RemoveHandler {
			kept = append(kept, reg)
		}
	}
	q.handlers = kept
}

// ReportTimeout removes every handler whose deadline has passed and delivers
// an EventTimeout with OperationExpired to it.
func (q *InQueue) ReportTimeout(now time.Time) {
	q.mu.Lock()
	expired := make([]handlerReg, 0)
	kept := q.handlers[:0]
	for _, reg := range q.handlers {
		if !reg.expiresAt.IsZero() && !reg.expiresAt.After(now) {
			expired = append(expired, reg)
		} else {
			kept = append(kept, reg)
		}
	}
	q.handlers = kept
	q.mu.Unlock()

	status := xrdstatus.New(xrdstatus.KindOperationExpired, "request expired")
	for _, reg := range expired {
		reg.handler.OnStreamEvent(EventTimeout, -1, status)
	}
}

// Len reports how many messages are currently retained undelivered, mostly
// useful for diagnostics and tests.
func (q *InQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// HandlerCount reports how many handlers are currently registered.
func (q *InQueue) HandlerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handlers)
}
