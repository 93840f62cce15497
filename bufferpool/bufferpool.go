// Package bufferpool provides the aligned byte-buffer cache used by
// backend/filebackend for direct I/O and by the image handler for
// chunked streaming copies (spec §2, §4.4.6). Buffers are sized in
// one pool per distinct (chunkSize, alignment) pair, matching how the
// teacher pools reusable objects with a bounded free list guarded by a
// mutex rather than relying solely on sync.Pool (whose contents can be
// dropped by the GC between uses, which would be wasteful for
// page-aligned allocations that are relatively expensive to redo).
package bufferpool

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultAlignment is the minimum sector alignment used when a
// backend cannot probe its own device's logical block size (§4.3
// File backend: "512-byte alignment minimum").
const DefaultAlignment = 512

// DefaultChunkSize is the default streaming copy chunk, in the middle
// of spec §4.4.6's "128 KiB to 8 MiB" range.
const DefaultChunkSize = 1 << 20 // 1 MiB

// Pool hands out and reclaims chunkSize-length buffers whose backing
// array's address is a multiple of alignment, as required for
// O_DIRECT reads/writes (§4.3, §9 Direct I/O).
type Pool struct {
	chunkSize uint32
	alignment uint32

	mu   sync.Mutex
	free [][]byte
}

// New returns a Pool of buffers sized chunkSize, aligned to alignment
// (which must be a power of two; the file backend detects this from
// the underlying device, e.g. 4096 for a 4Kn drive, defaulting to
// DefaultAlignment otherwise).
func New(chunkSize, alignment uint32) (*Pool, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("bufferpool: alignment %d is not a power of two", alignment)
	}
	if chunkSize == 0 || chunkSize%alignment != 0 {
		return nil, fmt.Errorf("bufferpool: chunkSize %d is not a multiple of alignment %d", chunkSize, alignment)
	}
	return &Pool{chunkSize: chunkSize, alignment: alignment}, nil
}

// ChunkSize returns the buffer length this pool hands out.
func (p *Pool) ChunkSize() uint32 { return p.chunkSize }

// Alignment returns the address alignment this pool guarantees.
func (p *Pool) Alignment() uint32 { return p.alignment }

// Get returns a buffer of ChunkSize() bytes whose address is a
// multiple of Alignment(), reused from the free list when possible.
func (p *Pool) Get() []byte {
	p.mu.Lock()
	n := len(p.free)
	if n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return buf
	}
	p.mu.Unlock()

	return alignedBuffer(int(p.chunkSize), int(p.alignment))
}

// Put returns buf to the pool for reuse. buf must have been obtained
// from Get on this Pool (same length); callers that resize a leased
// buffer must not return it.
func (p *Pool) Put(buf []byte) {
	if uint32(len(buf)) != p.chunkSize {
		return // mismatched buffer, drop it rather than corrupt the pool
	}
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
}

// alignedBuffer allocates a slice of size bytes whose first byte sits
// at an address that is a multiple of alignment, by over-allocating
// and slicing forward — the same trick used by every O_DIRECT-capable
// Go I/O library, since Go's allocator gives no alignment guarantee
// beyond a machine word.
func alignedBuffer(size, alignment int) []byte {
	raw := make([]byte, size+alignment)
	addr := int(uintptr(unsafe.Pointer(&raw[0])))
	offset := 0
	if addr%alignment != 0 {
		offset = alignment - addr%alignment
	}
	return raw[offset : offset+size : offset+size]
}

// DetectDeviceAlignment probes the open file descriptor fd (normally a
// block device) for its
// logical sector size via BLKSSZGET, falling back to DefaultAlignment
// for anything the ioctl doesn't apply to (a regular file on most
// filesystems only requires DefaultAlignment; the caller supplies a
// plain file descriptor from an already-open backend).
func DetectDeviceAlignment(fd int) uint32 {
	sectorSize, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil || sectorSize <= 0 {
		return DefaultAlignment
	}
	return uint32(sectorSize)
}
