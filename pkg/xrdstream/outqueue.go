package xrdstream

import (
	"sync"
	"time"

	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
)

// OutQueue is a sub-stream's FIFO of messages awaiting a write, plus a single
// in-flight slot for the message currently being written
// (spec.md §4.5's per-sub-stream out_queue and in-flight_msg_helper).
type OutQueue struct {
	mu       sync.Mutex
	pending  []outItem
	inFlight *outItem
}

// NewOutQueue builds an empty OutQueue.
func NewOutQueue() *OutQueue {
	return &OutQueue{}
}

// Push appends an item to the tail of the queue.
func (q *OutQueue) Push(msg *xrdproto.Message, handler IncomingHandler, stateful bool, expiresAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, outItem{msg: msg, handler: handler, stateful: stateful, expiresAt: expiresAt})
}

// PushFront reinserts an item at the head of the queue, used when a partly
// written in-flight message must be retried after a connection error
// (spec.md §4.5 "on_error").
func (q *OutQueue) PushFront(item outItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append([]outItem{item}, q.pending...)
}

// PopForWrite removes and returns the head item, marking it in-flight. The
// bool is false if the queue was empty.
func (q *OutQueue) PopForWrite() (outItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return outItem{}, false
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight = &item
	return item, true
}

// CompleteInFlight clears the in-flight slot, returning the item that was
// there (if any).
func (q *OutQueue) CompleteInFlight() (outItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == nil {
		return outItem{}, false
	}
	item := *q.inFlight
	q.inFlight = nil
	return item, true
}

// DrainInFlightToFront moves the in-flight item, if any, back to the head of
// the pending queue, used on a mid-write connection error.
func (q *OutQueue) DrainInFlightToFront() {
	q.mu.Lock()
	item := q.inFlight
	q.inFlight = nil
	q.mu.Unlock()
	if item != nil {
		q.PushFront(*item)
	}
}

// Empty reports whether both the pending queue and the in-flight slot are empty.
func (q *OutQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && q.inFlight == nil
}

// DrainAll removes and returns every pending and in-flight item, used when a
// sub-stream is torn down or migrated to another sub-stream.
func (q *OutQueue) DrainAll() []outItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	all := q.pending
	q.pending = nil
	if q.inFlight != nil {
		all = append([]outItem{*q.inFlight}, all...)
		q.inFlight = nil
	}
	return all
}

// SweepExpired removes every pending item whose deadline has passed,
// returning them so the caller can notify their handlers with SocketTimeout
// (spec.md §4.5 "tick").
func (q *OutQueue) SweepExpired(now time.Time) []outItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	expired := make([]outItem, 0)
	for _, item := range q.pending {
		if !item.expiresAt.IsZero() && !item.expiresAt.After(now) {
			expired = append(expired, item)
		} else {
			kept = append(kept, item)
		}
	}
	q.pending = kept
	return expired
}

// NotifyTimeout is a small helper for reporting SocketTimeout to a batch of
// expired items, shared by tick handling in Stream.
func NotifyTimeout(items []outItem) {
	status := xrdstatus.New(xrdstatus.KindSocketTimeout, "request timed out waiting to be sent")
	for _, item := range items {
		if item.handler != nil {
			item.handler.OnStatusReady(item.msg, status)
		}
	}
}
