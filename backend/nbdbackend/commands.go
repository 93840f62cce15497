package nbdbackend

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ovirt/imageiod/apierr"
	"github.com/ovirt/imageiod/extent"
)

// read issues a single NBD_CMD_READ and copies exactly length bytes
// into dst. Callers are responsible for chunking to maxNBDRequestSize
// (spec §4.3: "Request size is capped at 32 MiB per NBD block call").
func (c *conn) read(dst io.Writer, offset uint64, length uint32) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	handle := c.nextHandle()
	req := request{Type: nbdCmdRead, Handle: handle, Offset: offset, Length: length}
	if err := req.writeTo(c.nc); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "nbd: sending read request")
	}

	if !c.structuredReply {
		hdr, err := readSimpleReplyHeader(c.nc)
		if err != nil {
			return apierr.Wrap(apierr.KindInternal, err, "nbd: reading read reply")
		}
		if hdr.Error != 0 {
			return apierr.Internal(fmt.Sprintf("nbd: read failed with errno %d", hdr.Error))
		}
		_, err = io.CopyN(dst, c.nc, int64(length))
		return err
	}

	remaining := int64(length)
	for remaining > 0 {
		chunk, err := readStructuredReplyChunk(c.nc)
		if err != nil {
			return apierr.Wrap(apierr.KindInternal, err, "nbd: reading structured read reply")
		}
		switch chunk.Type {
		case nbdReplyTypeOffsetData:
			if len(chunk.Data) < 8 {
				return apierr.Internal("nbd: short offset-data chunk")
			}
			n, err := dst.Write(chunk.Data[8:])
			if err != nil {
				return err
			}
			remaining -= int64(n)
		case nbdReplyTypeOffsetHole:
			if len(chunk.Data) < 12 {
				return apierr.Internal("nbd: short offset-hole chunk")
			}
			holeLen := binary.BigEndian.Uint32(chunk.Data[8:12])
			if _, err := io.CopyN(dst, zeroReaderNBD{}, int64(holeLen)); err != nil {
				return err
			}
			remaining -= int64(holeLen)
		case nbdReplyTypeError:
			return apierr.Internal("nbd: server returned an error chunk for read")
		}
		if chunk.done() {
			break
		}
	}
	return nil
}

type zeroReaderNBD struct{}

func (zeroReaderNBD) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// write issues a single NBD_CMD_WRITE, copying exactly length bytes
// from src.
func (c *conn) write(src io.Reader, offset uint64, length uint32, fua bool) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	flags := uint16(0)
	if fua {
		flags |= nbdCmdFlagFua
	}
	req := request{Flags: flags, Type: nbdCmdWrite, Handle: c.nextHandle(), Offset: offset, Length: length}
	if err := req.writeTo(c.nc); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "nbd: sending write request")
	}
	if _, err := io.CopyN(c.nc, src, int64(length)); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "nbd: sending write payload")
	}
	return c.readSimpleAck("write")
}

// writeZeroes issues NBD_CMD_WRITE_ZEROES, punching a hole when the
// export supports it and punchHole is requested.
func (c *conn) writeZeroes(offset uint64, length uint32, fua, punchHole bool) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	flags := uint16(0)
	if fua {
		flags |= nbdCmdFlagFua
	}
	if !punchHole {
		flags |= nbdCmdFlagNoHole
	}
	req := request{Flags: flags, Type: nbdCmdWriteZeroes, Handle: c.nextHandle(), Offset: offset, Length: length}
	if err := req.writeTo(c.nc); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "nbd: sending write-zeroes request")
	}
	return c.readSimpleAck("write-zeroes")
}

// flush issues NBD_CMD_FLUSH.
func (c *conn) flush() error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	req := request{Type: nbdCmdFlush, Handle: c.nextHandle()}
	if err := req.writeTo(c.nc); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "nbd: sending flush request")
	}
	return c.readSimpleAck("flush")
}

func (c *conn) readSimpleAck(op string) error {
	hdr, err := readSimpleReplyHeader(c.nc)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, fmt.Sprintf("nbd: reading %s reply", op))
	}
	if hdr.Error != 0 {
		// EINTR-like transient errno on the wire is rare for
		// non-block-status commands, so simple errors here are
		// surfaced directly rather than retried (spec §9 NBD quirks
		// singles out BlockStatus retry-on-EINTR specifically).
		return apierr.Internal(fmt.Sprintf("nbd: %s failed with errno %d", op, hdr.Error))
	}
	return nil
}

// blockStatus issues NBD_CMD_BLOCK_STATUS for [offset, offset+length)
// against the named meta context and returns the raw descriptors.
// NBD servers occasionally return EINTR for this command under load;
// blockStatus itself retries an EINTR-like failure, up to
// maxEINTRRetries attempts in all.
func (c *conn) blockStatus(contextName string, offset uint64, length uint32) ([]blockStatusDescriptor, error) {
	contextID, ok := c.metaContextIDs[contextName]
	if !ok {
		return nil, apierr.NotSupported(fmt.Sprintf("nbd: server did not negotiate meta context %q", contextName))
	}

	const maxEINTRRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxEINTRRetries; attempt++ {
		descriptors, err := c.blockStatusOnce(contextID, offset, length)
		if err == nil {
			return descriptors, nil
		}
		lastErr = err
		if !isEINTRLike(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func isEINTRLike(err error) bool {
	// The wire protocol reports EINTR as an ordinary NBD_EINTR (4)
	// errno inside a reply, not a Go syscall error, so we match on the
	// annotated message rather than errors.Is against syscall.EINTR.
	return err != nil && containsEINTRMarker(err.Error())
}

func containsEINTRMarker(msg string) bool {
	const marker = "errno 4"
	for i := 0; i+len(marker) <= len(msg); i++ {
		if msg[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

func (c *conn) blockStatusOnce(contextID uint32, offset uint64, length uint32) ([]blockStatusDescriptor, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	req := request{Flags: nbdCmdFlagReqOne, Type: nbdCmdBlockStatus, Handle: c.nextHandle(), Offset: offset, Length: length}
	if err := req.writeTo(c.nc); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "nbd: sending block status request")
	}

	var out []blockStatusDescriptor
	for {
		chunk, err := readStructuredReplyChunk(c.nc)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "nbd: reading block status reply")
		}
		if chunk.Type == nbdReplyTypeError {
			if len(chunk.Data) >= 4 {
				errno := binary.BigEndian.Uint32(chunk.Data[0:4])
				if chunk.done() {
					return nil, apierr.Internal(fmt.Sprintf("nbd: block status failed with errno %d", errno))
				}
			}
		}
		if chunk.Type == nbdReplyTypeBlockStatus {
			gotContextID, descriptors, err := parseBlockStatusPayload(chunk.Data)
			if err != nil {
				return nil, err
			}
			if gotContextID == contextID {
				out = append(out, descriptors...)
			}
		}
		if chunk.done() {
			return out, nil
		}
	}
}

// mergeBlockStatusExtents walks the base:allocation descriptors for
// one block-status window alongside a secondary context's descriptors
// (qemu:allocation-depth for a zero-context query, the negotiated
// dirty-bitmap context for a dirty-context query), splitting wherever
// either side's descriptor boundary falls first, and appends one
// combined extent per split to out. This is the Go equivalent of the
// reference client's nbdutil.merged() generator, restated as a single
// forward walk since both descriptor lists cover the same [base,
// base+len) window in order.
func mergeBlockStatusExtents(out *extent.List, base uint64, dirtyContext bool, alloc, secondary []blockStatusDescriptor) {
	pos := base
	ai, bi := 0, 0
	var aRemain, bRemain uint32
	haveSecondary := secondary != nil

	for ai < len(alloc) {
		if aRemain == 0 {
			aRemain = alloc[ai].Length
		}
		length := aRemain
		var secondaryFlags uint32
		if haveSecondary {
			if bi >= len(secondary) {
				break
			}
			if bRemain == 0 {
				bRemain = secondary[bi].Length
			}
			if bRemain < length {
				length = bRemain
			}
			secondaryFlags = secondary[bi].Flags
		}

		allocFlags := alloc[ai].Flags
		e := extent.Extent{Start: pos, Length: uint64(length), Zero: allocFlags&nbdStateZero != 0}
		if dirtyContext {
			e.Hole = allocFlags&nbdStateHole != 0
			dirty := haveSecondary && secondaryFlags&nbdStateDirty != 0
			e.Dirty = &dirty
		} else if haveSecondary {
			// qemu:allocation-depth reports 0 for the top-layer image
			// and a positive depth for data inherited from a backing
			// file; either way a non-top-layer block reads as a hole
			// from this export's point of view.
			e.Hole = secondaryFlags != 0
		} else {
			e.Hole = allocFlags&nbdStateHole != 0
		}
		out.Add(e)

		pos += uint64(length)
		aRemain -= length
		if aRemain == 0 {
			ai++
		}
		if haveSecondary {
			bRemain -= length
			if bRemain == 0 {
				bi++
			}
		}
	}
}
