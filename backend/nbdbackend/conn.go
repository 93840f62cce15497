package nbdbackend

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ovirt/imageiod/apierr"
)

// target describes the dial address and export parsed from a ticket's
// nbd:// or nbd:unix: URL (spec §4.3 NBD backend, §6 URL schemes).
type target struct {
	network    string // "unix" or "tcp"
	address    string
	exportName string
}

// conn is one negotiated NBD transport-phase connection. Commands on
// a single conn are serialized by callMu: the client speaks the base
// (non-multiplexed) subset of the protocol, matching how
// other_examples/pojntfx-go-nbd__nbd.go drives a single socket.
// Backend concurrency instead comes from holding a small pool of
// conns (see pool.go).
type conn struct {
	nc net.Conn

	size              uint64
	flags             uint16
	structuredReply   bool
	metaContextIDs    map[string]uint32 // name -> negotiated context id
	dirtyBitmapName   string            // "" if none or ambiguous
	pendingExportName string

	callMu sync.Mutex
	handle uint64
}

func dial(t target, timeout time.Duration) (*conn, error) {
	nc, err := net.DialTimeout(t.network, t.address, timeout)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "nbd: dial failed")
	}
	c := &conn{nc: nc, metaContextIDs: map[string]uint32{}}
	if err := c.negotiate(t.exportName); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// negotiate performs fixed-newstyle handshake and requests structured
// replies plus the base:allocation and qemu:allocation-depth meta
// contexts (spec §4.3: "negotiates base:allocation ... and optionally
// qemu:allocation-depth ... or qemu:dirty-bitmap:NAME").
func (c *conn) negotiate(exportName string) error {
	var preamble [18]byte
	if _, err := io.ReadFull(c.nc, preamble[:]); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "nbd: reading server preamble")
	}
	magic := binary.BigEndian.Uint64(preamble[0:8])
	optsMagic := binary.BigEndian.Uint64(preamble[8:16])
	if magic != nbdMagic || optsMagic != nbdOptsMagic {
		return apierr.Internal(fmt.Sprintf("nbd: unexpected server preamble magic %#x/%#x", magic, optsMagic))
	}
	handshakeFlags := binary.BigEndian.Uint16(preamble[16:18])
	if handshakeFlags&nbdFlagFixedNewstyle == 0 {
		return apierr.NotSupported("nbd: server does not support fixed newstyle negotiation")
	}

	clientFlags := nbdFlagCFixedNewstyle
	if handshakeFlags&nbdFlagNoZeroes != 0 {
		clientFlags |= nbdFlagCNoZeroes
	}
	var cf [4]byte
	binary.BigEndian.PutUint32(cf[:], clientFlags)
	if _, err := c.nc.Write(cf[:]); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "nbd: sending client flags")
	}

	c.pendingExportName = exportName

	if err := c.negotiateStructuredReply(); err != nil {
		return err
	}
	c.negotiateMetaContext(metaContextBaseAllocation)
	c.negotiateMetaContext(metaContextAllocationDepth)
	c.discoverDirtyBitmap()
	if c.dirtyBitmapName != "" {
		c.negotiateMetaContext(c.dirtyBitmapName)
	}

	return c.negotiateGo(exportName)
}

// discoverDirtyBitmap looks up the real qemu:dirty-bitmap:NAME context
// the server exports, the way _query_dirty_bitmap() does in the
// reference client: a server exporting no dirty bitmap, or more than
// one, leaves dirtyBitmapName empty rather than guessing.
func (c *conn) discoverDirtyBitmap() {
	if !c.structuredReply {
		return
	}
	names := c.queryMetaContextNames(metaContextDirtyBitmapNamespace)
	if len(names) == 1 {
		c.dirtyBitmapName = names[0]
	}
}

// queryMetaContextNames sends NBD_OPT_LIST_META_CONTEXT with a single
// query pattern and returns every context name the server offers that
// matches it. Unlike negotiateMetaContext this does not activate any
// context for the transmission phase; it is discovery only.
func (c *conn) queryMetaContextNames(query string) []string {
	var data []byte
	data = binary.BigEndian.AppendUint32(data, uint32(len(c.exportNameForQuery())))
	data = append(data, c.exportNameForQuery()...)
	data = binary.BigEndian.AppendUint32(data, 1) // one query pattern
	data = binary.BigEndian.AppendUint32(data, uint32(len(query)))
	data = append(data, query...)

	if err := (optionRequest{Option: nbdOptListMetaContext, Data: data}).writeTo(c.nc); err != nil {
		return nil
	}
	var names []string
	for {
		rep, err := readOptionReply(c.nc)
		if err != nil {
			return names
		}
		if rep.Type == nbdRepAck {
			return names
		}
		if rep.Type == nbdRepMetaContext {
			if _, name, err := parseMetaContextReply(rep.Data); err == nil {
				names = append(names, name)
			}
		}
	}
}

func (c *conn) negotiateStructuredReply() error {
	if err := (optionRequest{Option: nbdOptStructuredReply}).writeTo(c.nc); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "nbd: sending NBD_OPT_STRUCTURED_REPLY")
	}
	rep, err := readOptionReply(c.nc)
	if err != nil {
		// Servers without structured-reply support are still usable;
		// extents just fall back to a single whole-image extent.
		return nil
	}
	c.structuredReply = rep.Type == nbdRepAck
	return nil
}

// negotiateMetaContext best-effort requests one meta context; failure
// (older server, unsupported context) is not fatal, it only narrows
// what Extents can report.
func (c *conn) negotiateMetaContext(name string) {
	if !c.structuredReply {
		return
	}
	var data []byte
	data = binary.BigEndian.AppendUint32(data, uint32(len(c.exportNameForQuery())))
	data = append(data, c.exportNameForQuery()...)
	data = binary.BigEndian.AppendUint32(data, 1) // one query pattern
	data = binary.BigEndian.AppendUint32(data, uint32(len(name)))
	data = append(data, name...)

	if err := (optionRequest{Option: nbdOptSetMetaContext, Data: data}).writeTo(c.nc); err != nil {
		return
	}
	for {
		rep, err := readOptionReply(c.nc)
		if err != nil {
			return
		}
		if rep.Type == nbdRepAck {
			return
		}
		if rep.Type == nbdRepMetaContext {
			if id, gotName, err := parseMetaContextReply(rep.Data); err == nil && gotName == name {
				c.metaContextIDs[name] = id
			}
		}
	}
}

// exportNameForQuery lets negotiateMetaContext run before the export
// name is fixed on the conn; callers always negotiate contexts after
// storing exportName below.
func (c *conn) exportNameForQuery() string { return c.pendingExportName }

func (c *conn) negotiateGo(exportName string) error {
	var data []byte
	data = binary.BigEndian.AppendUint32(data, uint32(len(exportName)))
	data = append(data, exportName...)
	data = binary.BigEndian.AppendUint16(data, 0) // zero information requests: take server defaults

	if err := (optionRequest{Option: nbdOptGo, Data: data}).writeTo(c.nc); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "nbd: sending NBD_OPT_GO")
	}
	for {
		rep, err := readOptionReply(c.nc)
		if err != nil {
			return apierr.Wrap(apierr.KindNotFound, err, "nbd: export negotiation failed")
		}
		switch rep.Type {
		case nbdRepInfo:
			if len(rep.Data) >= 2 && binary.BigEndian.Uint16(rep.Data[0:2]) == nbdInfoExport {
				info, err := parseExportInfo(rep.Data)
				if err != nil {
					return apierr.Wrap(apierr.KindInternal, err, "nbd: parsing NBD_INFO_EXPORT")
				}
				c.size = info.Size
				c.flags = info.Flags
			}
		case nbdRepAck:
			return nil
		default:
			// Ignore other info types (name, description, block size).
		}
	}
}

func (c *conn) readOnly() bool { return c.flags&nbdFlagReadOnly != 0 }

func (c *conn) nextHandle() uint64 {
	c.handle++
	return c.handle
}

func (c *conn) close() error { return c.nc.Close() }
