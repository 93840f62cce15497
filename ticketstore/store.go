package ticketstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ovirt/imageiod/apierr"
	"github.com/ovirt/imageiod/backend"
)

// Store is the process-scoped ticket table of §4.1/§9 ("treat the
// ticket store and backend registry as a single process-scoped
// context struct"). The zero value is not usable; use New.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Add installs or replaces the ticket (§4.1 add, §9 Open Questions:
// "the source replaces; we document replace"). It opens the ticket's
// backend eagerly so a bad url fails at install time rather than on
// first request.
func (s *Store) Add(ctx context.Context, t Ticket) error {
	if err := t.Validate(); err != nil {
		return err
	}

	be, err := backend.Open(ctx, t.URL)
	if err != nil {
		return apierr.Wrap(apierr.KindBadRequest, err, "ticketstore: opening backend")
	}

	e := newEntry(t, be, s.now())

	s.mu.Lock()
	old, existed := s.entries[t.UUID]
	s.entries[t.UUID] = e
	s.mu.Unlock()

	if existed {
		s.quiesceReplaced(t.UUID, old)
	}
	return nil
}

// quiesceReplaced closes a replaced entry's backend the same way
// Cancel does: if no lease currently holds it, immediately; otherwise
// it signals cancellation (so an in-flight GET/PUT started before the
// replacing install observes Done() and can stop promptly) and waits
// for connections to drain to zero before closing, instead of closing
// the backend out from under a live transfer (§4.2, §9 "clean
// connection reset").
func (s *Store) quiesceReplaced(id string, old *entry) {
	old.mu.Lock()
	if !old.canceled() {
		old.beginCanceling(0, nil)
	}
	quiescent := old.quiescent
	connections := old.connections
	old.mu.Unlock()

	if quiescent == nil || connections == 0 {
		s.drop(id, old)
		return
	}
	go func() {
		<-quiescent
		s.drop(id, old)
	}()
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil, apierr.Forbidden(fmt.Sprintf("ticketstore: unknown ticket %q", id))
	}
	return e, nil
}

// Get returns a status snapshot for id (§4.1 get).
func (s *Store) Get(id string) (Status, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	status := Status{
		Ticket:      e.ticket,
		Connections: e.connections,
		Active:      e.connections > 0,
		Canceled:    e.canceled(),
		Transferred: e.transferred(),
	}
	status.ExpiresIn = int64(e.expires.Sub(now) / time.Second)
	if e.connections == 0 {
		status.IdleTimeS = now.Sub(e.lastIdle).Seconds()
	}
	return status, nil
}

// Backend returns the backend object installed for id without
// authorizing an operation or bumping connections, for the read-only
// introspection OPTIONS needs (max_readers/max_writers, §4.4.1).
func (s *Store) Backend(id string) (backend.Backend, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.be, nil
}

// List returns every installed ticket id (§4.5 GET /tickets/), in no
// particular order; callers that need a stable order sort it.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Extend sets expires := max(expires, now + timeout); timeout=0 forces
// immediate expiration (§4.1 extend). Extending an expired, non
// -canceled ticket revives it (§4.1 tie-breaks).
func (s *Store) Extend(id string, timeoutSeconds uint64) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.canceled() {
		return apierr.Forbidden(fmt.Sprintf("ticketstore: ticket %q is canceled", id))
	}

	now := s.now()
	if timeoutSeconds == 0 {
		e.expires = now
		return nil
	}
	candidate := now.Add(time.Duration(timeoutSeconds) * time.Second)
	if candidate.After(e.expires) {
		e.expires = candidate
	}
	return nil
}

// Cancel marks id canceled. With timeout==0 it blocks until
// connections drops to zero and then removes the entry; with a
// positive timeout it waits at most that long before force-removing,
// which aborts any still-live transfers (§4.1 cancel, §4.2).
func (s *Store) Cancel(id string, timeout time.Duration) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.canceled() {
		quiescent := e.quiescent
		e.mu.Unlock()
		if timeout == 0 && quiescent != nil {
			<-quiescent
			s.drop(id, e)
		}
		return nil
	}

	e.beginCanceling(timeout, func() {
		s.forceRemove(id, e)
	})
	quiescent := e.quiescent
	e.mu.Unlock()

	if timeout == 0 {
		<-quiescent
		s.drop(id, e)
	} else {
		select {
		case <-quiescent:
			s.drop(id, e)
		default:
		}
	}
	return nil
}

// Remove is the synchronous alias for Cancel(id, 0), per §4.1.
func (s *Store) Remove(id string) error {
	return s.Cancel(id, 0)
}

func (s *Store) forceRemove(id string, e *entry) {
	e.mu.Lock()
	if e.quiescent != nil {
		select {
		case <-e.quiescent:
		default:
			close(e.quiescent)
		}
	}
	e.mu.Unlock()
	s.drop(id, e)
}

func (s *Store) drop(id string, e *entry) {
	s.mu.Lock()
	if current, ok := s.entries[id]; ok && current == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	e.mu.Lock()
	be := e.be
	e.mu.Unlock()
	if be != nil {
		be.Close()
	}
}

// Lease pins a ticket against removal for the duration of one
// operation record (§3 "Operation record"). It is released exactly
// once, via Release.
type Lease struct {
	id    string
	entry *entry
	op    Op
	start uint64
	end   uint64
}

// Backend returns the backend object this lease authorizes I/O
// against.
func (l *Lease) Backend() backend.Backend {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	return l.entry.be
}

// Done returns a channel closed when the ticket enters the canceling
// state; handlers must poll it between chunks (§4.4.6, §5).
func (l *Lease) Done() <-chan struct{} {
	return l.entry.cancelCh
}

// Authorize performs the atomic check-and-register of §4.1: on
// success it pins the ticket, increments connections, and returns a
// Lease; on failure it returns Forbidden or RangeNotSatisfiable.
func (s *Store) Authorize(id string, op Op, start, end uint64) (*Lease, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	if !e.validAt(now) {
		return nil, apierr.Forbidden(fmt.Sprintf("ticketstore: ticket %q is expired or canceled", id))
	}
	if !e.ticket.Allows(op) {
		return nil, apierr.Forbidden(fmt.Sprintf("ticketstore: ticket %q does not permit %q", id, op))
	}
	if end < start || end > e.ticket.Size {
		return nil, apierr.RangeNotSatisfiable(fmt.Sprintf("ticketstore: range [%d, %d) exceeds size %d", start, end, e.ticket.Size))
	}

	e.connections++
	return &Lease{id: id, entry: e, op: op, start: start, end: end}, nil
}

// Release decrements connections, folds bytesDone into the
// single-direction transferred accounting, and records last-activity
// for the inactivity timeout (§4.1 release).
func (s *Store) Release(lease *Lease, bytesDone uint64) {
	e := lease.entry

	e.mu.Lock()
	e.recordCoverage(lease.start, bytesDone)
	e.connections--
	quiescent := e.quiescent
	wasCanceling := e.canceled()
	now := s.now()
	if e.connections == 0 {
		e.lastIdle = now
		if e.forceAt != nil {
			e.forceAt.Stop()
		}
	}
	reachedQuiescence := wasCanceling && e.connections == 0 && quiescent != nil
	if reachedQuiescence {
		select {
		case <-quiescent:
		default:
			close(quiescent)
		}
	}
	e.mu.Unlock()

	if reachedQuiescence {
		s.drop(lease.id, e)
	}
}
