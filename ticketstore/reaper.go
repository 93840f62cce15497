package ticketstore

import (
	"context"
	"time"
)

// RunReaper periodically scans for tickets whose InactivityTimeout has
// elapsed with zero open connections and cancels them (§3
// `inactivity_timeout`, §9: "connections > 0 as inhibiting inactivity
// expiration"). It blocks until ctx is canceled, so callers run it in
// its own goroutine from server startup.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Store) reapOnce() {
	for _, id := range s.List() {
		e, err := s.lookup(id)
		if err != nil {
			continue
		}

		e.mu.Lock()
		idle := e.ticket.InactivityTimeout > 0 &&
			e.connections == 0 &&
			!e.canceled() &&
			s.now().Sub(e.lastIdle) >= time.Duration(e.ticket.InactivityTimeout)*time.Second
		e.mu.Unlock()

		if idle {
			s.Cancel(id, 0)
		}
	}
}
