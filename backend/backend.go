// Package backend defines the capability interface every image
// backend implements (spec §4.3, §9 Polymorphism): a tagged variant
// over {size, read_to, write_from, zero, flush, extents, max_readers,
// max_writers, close}, expressed as a Go interface rather than a class
// hierarchy, per the teacher's own preference for small composed
// interfaces over inheritance.
package backend

import (
	"context"
	"io"

	"github.com/ovirt/imageiod/extent"
)

// Context identifies which extent classification §4.3's extents() call
// reports.
type Context string

const (
	ContextZero  Context = "zero"
	ContextDirty Context = "dirty"
)

// Backend is the uniform capability-oriented object for image I/O
// described in spec §4.3. Implementations: file, nbd, http.
//
// Concrete backends must support concurrent ReadTo/WriteFrom/Zero/
// Extents calls with distinct, non-overlapping byte ranges (spec §3
// Backend object). Backends that cannot support a given call return
// an error built with apierr.NotSupported.
type Backend interface {
	// Size returns the image's virtual size in bytes.
	Size(ctx context.Context) (uint64, error)

	// ReadTo writes exactly length bytes starting at offset into dst.
	// It returns an error if the range exceeds Size().
	ReadTo(ctx context.Context, dst io.Writer, offset, length uint64) error

	// WriteFrom reads exactly length bytes from src and writes them at
	// offset. If flush is true, the written bytes are durably
	// persisted before WriteFrom returns.
	WriteFrom(ctx context.Context, src io.Reader, offset, length uint64, flush bool) error

	// Zero ensures the byte range [offset, offset+length) reads back
	// as zero. If punchHole is true and the backend supports
	// deallocation, the range is punched rather than written; if flush
	// is true, the effect is durable before Zero returns.
	Zero(ctx context.Context, offset, length uint64, flush, punchHole bool) error

	// Flush durably persists all prior writes issued through this
	// Backend instance.
	Flush(ctx context.Context) error

	// Extents returns, in ascending order, the merged extents covering
	// [0, Size()) for the requested context. Dirty extents are only
	// available if the underlying image supports change tracking.
	Extents(ctx context.Context, extentContext Context) (*extent.List, error)

	// MaxReaders and MaxWriters are advisory concurrency caps reported
	// via OPTIONS (spec §4.4.1).
	MaxReaders() uint32
	MaxWriters() uint32

	// Close releases any resources (file descriptors, NBD connections,
	// pooled HTTP connections) held by this Backend.
	Close() error
}

// CapabilityReporter is implemented by backends whose actual
// extents/zero/flush support varies per instance: an NBD export might
// not have negotiated base:allocation, and an HTTP backend can only
// proxy whatever the origin advertises. The control-plane OPTIONS
// handler type-asserts for this interface to intersect a ticket's
// permitted operations with what the underlying backend can really do
// (spec §4.4.1); a Backend that doesn't implement it (the local file
// backend, which supports all three unconditionally) is treated as
// supporting everything.
type CapabilityReporter interface {
	SupportsExtents() bool
	SupportsZero() bool
	SupportsFlush() bool
}
