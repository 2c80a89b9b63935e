// Package xrdsid allocates the 2-byte stream identifiers (SIDs) that let many
// in-flight requests share one channel (spec.md §4.2). One Manager instance
// is owned per channel; its free-set mutex is the one SIDManager lock named
// in spec.md's locking discipline.
package xrdsid

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SID is the 2-byte stream identifier stamped into a request/response
// envelope's StreamID field.
type SID uint16

// maxSID is the largest representable SID; 0 is reserved (spec.md §4.2
// reserves stream id 0 for control frames that are not bound to a specific
// in-flight request, e.g. the handshake).
const maxSID = ^uint16(0)

// state is the lifecycle of one SID value.
type state int

const (
	stateFree state = iota
	stateInUse
	stateQuarantined
)

// Manager is a per-channel SID allocator: free/in-use/quarantined partition
// of the uint16 space, guarded by a single mutex (spec.md §4.11 "one mutex
// per SIDManager").
type Manager struct {
	mu       sync.Mutex
	states   map[SID]state
	next     SID
	inUse    int
	log      *log.Entry
}

// ErrExhausted is returned by Allocate when every SID is in use or
// quarantined.
var ErrExhausted = fmt.Errorf("xrdsid: no free stream identifiers")

// New builds an empty Manager; logger may be nil, in which case a
// discarding logrus entry is used.
func New(logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.NewEntry(log.New())
	}
	return &Manager{
		states: make(map[SID]state),
		next:   1, // SID 0 is reserved for control frames.
		log:    logger,
	}
}

// Allocate picks a free SID, marking it in-use, or returns ErrExhausted if
// the channel has no free SID (every value either in-flight or
// quarantined).
func (m *Manager) Allocate() (SID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.next
	for {
		candidate := m.next
		m.next++
		if m.next == 0 {
			m.next = 1 // wrap past the reserved 0 value.
		}

		if m.states[candidate] == stateFree {
			m.states[candidate] = stateInUse
			m.inUse++
			m.log.WithField("sid", candidate).Debug("allocated stream id")
			return candidate, nil
		}

		if m.next == start {
			return 0, ErrExhausted
		}
	}
}

// Release frees sid for reuse. Releasing a SID that is not currently in use
// is a caller bug and is logged but otherwise ignored, matching the
// teacher's defensive logging-over-panicking style.
func (m *Manager) Release(sid SID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.states[sid] != stateInUse {
		m.log.WithField("sid", sid).Warn("release of a sid that was not in use")
		return
	}
	delete(m.states, sid)
	m.inUse--
}

// Quarantine moves sid from in-use into the quarantined set: it is held back
// from reallocation so a late straggling reply cannot be misattributed to a
// newly issued request (spec.md §4.2 invariants, §4.9 "handle_error" on
// OperationExpired).
func (m *Manager) Quarantine(sid SID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.states[sid] == stateInUse {
		m.inUse--
	}
	m.states[sid] = stateQuarantined
	m.log.WithField("sid", sid).Debug("quarantined stream id")
}

// ReleaseQuarantined clears sid's quarantine, making it eligible for
// reallocation again. Called once the channel is confident no further
// stragglers can arrive for sid (e.g. on channel teardown or TTL expiry of
// the quarantine entry).
func (m *Manager) ReleaseQuarantined(sid SID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.states[sid] == stateQuarantined {
		delete(m.states, sid)
	}
}

// InUse reports how many SIDs are currently allocated to in-flight requests.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

// Quarantined reports how many SIDs are currently withheld from
// reallocation, for diagnostics (pkg/xrdmonitor).
func (m *Manager) Quarantined() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.states {
		if st == stateQuarantined {
			n++
		}
	}
	return n
}

// IsQuarantined reports whether sid is presently withheld from reallocation.
func (m *Manager) IsQuarantined(sid SID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[sid] == stateQuarantined
}
