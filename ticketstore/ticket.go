// Package ticketstore holds the in-memory ticket table, the
// authorize/release lease mechanics, and the active/canceling/removed
// state machine of §3, §4.1 and §4.2.
package ticketstore

import (
	"fmt"

	"github.com/ovirt/imageiod/apierr"
)

// Op is one of the verbs a ticket can authorize.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Ticket is the installable resource of §3/§6 ("Ticket JSON schema
// (installation)"). Extra fields in the incoming JSON are rejected by
// the control handler before a Ticket ever reaches Add, per §6.
type Ticket struct {
	UUID              string  `json:"uuid"`
	URL               string  `json:"url"`
	Size              uint64  `json:"size"`
	Ops               []Op    `json:"ops"`
	Timeout           *uint64 `json:"timeout"`
	Sparse            bool    `json:"sparse,omitempty"`
	Dirty             bool    `json:"dirty,omitempty"`
	InactivityTimeout uint64  `json:"inactivity_timeout,omitempty"`
	TransferID        string  `json:"transfer_id,omitempty"`
	Filename          string  `json:"filename,omitempty"`
}

// Validate checks the required-field and shape constraints of §6.
func (t Ticket) Validate() error {
	if t.UUID == "" {
		return apierr.BadRequest("ticket: uuid is required")
	}
	if t.URL == "" {
		return apierr.BadRequest("ticket: url is required")
	}
	if t.Size == 0 {
		return apierr.BadRequest("ticket: size must be positive")
	}
	if len(t.Ops) == 0 {
		return apierr.BadRequest("ticket: ops must be non-empty")
	}
	if t.Timeout == nil {
		return apierr.BadRequest("ticket: timeout is required")
	}
	for _, op := range t.Ops {
		if op != OpRead && op != OpWrite {
			return apierr.BadRequest(fmt.Sprintf("ticket: unknown op %q", op))
		}
	}
	return nil
}

// Allows reports whether op is in t.Ops.
func (t Ticket) Allows(op Op) bool {
	for _, have := range t.Ops {
		if have == op {
			return true
		}
	}
	return false
}

// singleDirection reports whether the ticket's Ops name exactly one
// direction of flow, the condition under which §3 defines
// `transferred` ("computed only when the ticket has exactly one
// direction of flow").
func (t Ticket) singleDirection() bool {
	return len(t.Ops) == 1
}

// Status is the snapshot returned by Get, per §4.1.
type Status struct {
	Ticket
	ExpiresIn   int64   `json:"expires_in"`
	IdleTimeS   float64 `json:"idle_time"`
	Connections int     `json:"connections"`
	Active      bool    `json:"active"`
	Canceled    bool    `json:"canceled"`
	Transferred *uint64 `json:"transferred,omitempty"`
}
