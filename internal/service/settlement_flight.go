package service

import (
	"sync"

	"github.com/google/uuid"
)

// State is the position of an order in the settlement state machine.
type State string

const (
	StateReceived       State = "received"
	StateValidating     State = "validating"
	StateReserving      State = "reserving"
	StateAwaitingTender State = "awaiting_external_tender"
	StateCommitting     State = "committing"
	StateCommitted      State = "committed"
	StateRejected       State = "rejected"
	StateRolledBack     State = "rolled_back"
)

// InFlightTracker reports orders currently being settled against a session.
// The cash session service refuses to close while the count is non-zero.
type InFlightTracker interface {
	InFlight(sessionID uuid.UUID) int
}

type flight struct {
	saleID    uuid.UUID
	venueID   uuid.UUID
	sessionID uuid.UUID

	mu        sync.Mutex
	state     State
	cancelled bool
}

func (f *flight) set(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *flight) current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// cancelRequested is checked at every checkpoint before an irreversible step.
func (f *flight) cancelRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// requestCancel flags the flight. Once every tender is satisfied the commit
// proceeds and the request is refused.
func (f *flight) requestCancel() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateCommitting, StateCommitted:
		return f.state, ErrCancelTooLate
	case StateRejected, StateRolledBack:
		return f.state, ErrNotInFlight
	}
	f.cancelled = true
	return f.state, nil
}

// flightTable holds the orders this process is settling.
type flightTable struct {
	mu      sync.Mutex
	flights map[uuid.UUID]*flight
}

func newFlightTable() *flightTable {
	return &flightTable{flights: make(map[uuid.UUID]*flight)}
}

// register returns false when the id is already in flight.
func (t *flightTable) register(f *flight) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.flights[f.saleID]; ok {
		return false
	}
	t.flights[f.saleID] = f
	return true
}

func (t *flightTable) remove(id uuid.UUID) {
	t.mu.Lock()
	delete(t.flights, id)
	t.mu.Unlock()
}

func (t *flightTable) get(id uuid.UUID) (*flight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flights[id]
	return f, ok
}

func (t *flightTable) countSession(sessionID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, f := range t.flights {
		if f.sessionID == sessionID {
			n++
		}
	}
	return n
}

// venueLocks serialises commits per venue so commit_seq order and publish
// order agree.
type venueLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newVenueLocks() *venueLocks {
	return &venueLocks{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (v *venueLocks) lock(venueID uuid.UUID) func() {
	v.mu.Lock()
	l, ok := v.locks[venueID]
	if !ok {
		l = &sync.Mutex{}
		v.locks[venueID] = l
	}
	v.mu.Unlock()

	l.Lock()
	return l.Unlock
}
