package imageiodpkg

import (
	"github.com/ovirt/imageiod/backend"
	"github.com/ovirt/imageiod/ticketstore"
)

// capabilities computes the §4.4.1 feature set and Allow header for a
// ticket against a concrete backend: "extents" needs read permission
// and backend extents support, "zero"/"flush" need write permission
// and the matching backend support. be may be nil (the ticket-
// independent `OPTIONS *` capability probe has no single backend in
// scope), in which case only the ticket's ops gate the result, same
// as before a backend was ever consulted. A backend that doesn't
// implement backend.CapabilityReporter (the local file backend, which
// always supports all three) is treated as supporting everything.
func capabilities(t ticketstore.Ticket, be backend.Backend) (features []string, allow string) {
	canRead := t.Allows(ticketstore.OpRead)
	canWrite := t.Allows(ticketstore.OpWrite)

	supportsExtents, supportsZero, supportsFlush := true, true, true
	if cr, ok := be.(backend.CapabilityReporter); ok {
		supportsExtents = cr.SupportsExtents()
		supportsZero = cr.SupportsZero()
		supportsFlush = cr.SupportsFlush()
	}

	if canRead && supportsExtents {
		features = append(features, "extents")
	}
	if canWrite && supportsZero {
		features = append(features, "zero")
	}
	if canWrite && supportsFlush {
		features = append(features, "flush")
	}

	switch {
	case canRead && canWrite:
		allow = "GET, PUT, PATCH, OPTIONS"
	case canWrite:
		allow = "PUT, PATCH, OPTIONS"
	default:
		allow = "GET, OPTIONS"
	}
	return features, allow
}

// allVerbsTicket is the synthetic ticket used by the control
// listener's `OPTIONS *` capability probe (spec §3 Open Questions;
// SPEC_FULL §12 supplement 1): it permits both verbs so the reported
// feature set reflects everything the process could serve, not any
// single installed ticket.
var allVerbsTicket = ticketstore.Ticket{Ops: []ticketstore.Op{ticketstore.OpRead, ticketstore.OpWrite}}
