package ticketstore

import (
	"sync"
	"time"

	"github.com/ovirt/imageiod/backend"
	"github.com/ovirt/imageiod/extent"
)

// state is the §4.2 cancellation state machine: active -> canceling
// -> removed. There is no explicit "removed" value; a removed entry
// is simply deleted from the store's table.
type state int

const (
	stateActive state = iota
	stateCanceling
)

// entry is the runtime record backing one installed ticket. All
// mutable fields are guarded by mu; the store's own lock is only ever
// held for short table lookups/inserts, never across entry.mu or I/O,
// per §5 ("the table never holds a lock across I/O").
type entry struct {
	mu sync.Mutex

	ticket Ticket
	be     backend.Backend

	state       state
	expires     time.Time
	connections int
	lastIdle    time.Time // set when connections drops to zero

	cancelCh chan struct{} // closed on entering stateCanceling
	forceAt  *time.Timer   // fires a forced removal if cancel carried a timeout

	coverage *extent.List // union of ranges touched, for single-direction transferred accounting

	quiescent chan struct{} // closed once connections reaches zero while canceling
}

// newEntry assumes t has already passed Validate, so t.Timeout is
// non-nil.
func newEntry(t Ticket, be backend.Backend, now time.Time) *entry {
	return &entry{
		ticket:   t,
		be:       be,
		state:    stateActive,
		expires:  now.Add(time.Duration(*t.Timeout) * time.Second),
		lastIdle: now,
		cancelCh: make(chan struct{}),
		coverage: extent.NewList(),
	}
}

// canceled reports whether the entry has begun (or completed) removal.
func (e *entry) canceled() bool {
	return e.state == stateCanceling
}

// authorized reports whether now still falls within the ticket's
// validity window, per §3's invariant. Idle-inactive tickets kept
// alive purely by open connections are still authorized; a fresh
// authorize when connections==0 and now > expires is not.
func (e *entry) validAt(now time.Time) bool {
	if e.canceled() {
		return false
	}
	if now.Before(e.expires) || e.expires.Equal(now) {
		return true
	}
	return e.connections > 0
}

func (e *entry) recordCoverage(start, length uint64) {
	if length == 0 || !e.ticket.singleDirection() {
		return
	}
	e.coverage.Add(extent.Extent{Start: start, Length: length, Zero: false})
}

func (e *entry) transferred() *uint64 {
	if !e.ticket.singleDirection() {
		return nil
	}
	var total uint64
	e.coverage.Ascend(func(x extent.Extent) bool {
		total += x.Length
		return true
	})
	return &total
}

// beginCanceling transitions active -> canceling, closing cancelCh so
// in-flight leases observe the signal, and arms a forced-removal timer
// if timeout > 0 (§4.2: "a scheduled deadline forces the transition
// and aborts live transfers").
func (e *entry) beginCanceling(timeout time.Duration, onForce func()) {
	if e.canceled() {
		return
	}
	e.state = stateCanceling
	close(e.cancelCh)
	e.quiescent = make(chan struct{})
	if e.connections == 0 {
		close(e.quiescent)
		return
	}
	if timeout > 0 {
		e.forceAt = time.AfterFunc(timeout, onForce)
	}
}
