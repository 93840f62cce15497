package imageiodpkg

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ovirt/imageiod/backend"
	"github.com/ovirt/imageiod/extent"
	"github.com/ovirt/imageiod/ticketstore"
)

// limitedBackend is a stub backend.Backend implementing
// backend.CapabilityReporter with a fixed, deliberately reduced
// capability set, standing in for an NBD export that never negotiated
// base:allocation or a dirty bitmap.
type limitedBackend struct {
	extents, zero, flush bool
}

func (limitedBackend) Size(context.Context) (uint64, error)                      { return 0, nil }
func (limitedBackend) ReadTo(context.Context, io.Writer, uint64, uint64) error    { return nil }
func (limitedBackend) WriteFrom(context.Context, io.Reader, uint64, uint64, bool) error {
	return nil
}
func (limitedBackend) Zero(context.Context, uint64, uint64, bool, bool) error { return nil }
func (limitedBackend) Flush(context.Context) error                           { return nil }
func (limitedBackend) Extents(context.Context, backend.Context) (*extent.List, error) {
	return extent.NewList(), nil
}
func (limitedBackend) MaxReaders() uint32 { return 1 }
func (limitedBackend) MaxWriters() uint32 { return 1 }
func (limitedBackend) Close() error       { return nil }

func (b limitedBackend) SupportsExtents() bool { return b.extents }
func (b limitedBackend) SupportsZero() bool    { return b.zero }
func (b limitedBackend) SupportsFlush() bool   { return b.flush }

var readWriteTicket = ticketstore.Ticket{Ops: []ticketstore.Op{ticketstore.OpRead, ticketstore.OpWrite}}

func TestCapabilitiesWithNilBackendReflectsOnlyTicketOps(t *testing.T) {
	features, allow := capabilities(readWriteTicket, nil)
	assert.ElementsMatch(t, []string{"extents", "zero", "flush"}, features)
	assert.Equal(t, "GET, PUT, PATCH, OPTIONS", allow)
}

func TestCapabilitiesIntersectsBackendCapability(t *testing.T) {
	be := limitedBackend{extents: false, zero: true, flush: false}
	features, _ := capabilities(readWriteTicket, be)
	assert.ElementsMatch(t, []string{"zero"}, features)
}

func TestCapabilitiesTicketPermissionStillGatesReadOnlyTicket(t *testing.T) {
	readOnly := ticketstore.Ticket{Ops: []ticketstore.Op{ticketstore.OpRead}}
	be := limitedBackend{extents: true, zero: true, flush: true}
	features, allow := capabilities(readOnly, be)
	assert.ElementsMatch(t, []string{"extents"}, features)
	assert.Equal(t, "GET, OPTIONS", allow)
}

func TestCapabilitiesBackendWithoutCapabilityReporterSupportsEverything(t *testing.T) {
	// A backend that doesn't implement backend.CapabilityReporter (the
	// local file backend) is treated as supporting all three.
	features, _ := capabilities(readWriteTicket, plainBackend{})
	assert.ElementsMatch(t, []string{"extents", "zero", "flush"}, features)
}

// plainBackend is a bare backend.Backend with no
// backend.CapabilityReporter methods at all, standing in for the
// local file backend.
type plainBackend struct{}

func (plainBackend) Size(context.Context) (uint64, error)                   { return 0, nil }
func (plainBackend) ReadTo(context.Context, io.Writer, uint64, uint64) error { return nil }
func (plainBackend) WriteFrom(context.Context, io.Reader, uint64, uint64, bool) error {
	return nil
}
func (plainBackend) Zero(context.Context, uint64, uint64, bool, bool) error { return nil }
func (plainBackend) Flush(context.Context) error                           { return nil }
func (plainBackend) Extents(context.Context, backend.Context) (*extent.List, error) {
	return extent.NewList(), nil
}
func (plainBackend) MaxReaders() uint32 { return 1 }
func (plainBackend) MaxWriters() uint32 { return 1 }
func (plainBackend) Close() error       { return nil }
