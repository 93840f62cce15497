package nbdbackend

import (
	"encoding/binary"
	"fmt"
	"io"
)

// optionRequest is the client->server option-haggling message sent
// during fixed-newstyle negotiation.
type optionRequest struct {
	Option uint32
	Data   []byte
}

func (r optionRequest) writeTo(w io.Writer) error {
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], nbdOptsMagic)
	binary.BigEndian.PutUint32(hdr[8:12], r.Option)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(r.Data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return nil
	}
	_, err := w.Write(r.Data)
	return err
}

// optionReply is one server->client reply frame during negotiation. A
// single option may draw several replies (e.g. NBD_OPT_GO returns one
// NBD_REP_INFO per info/meta-context item, then a final NBD_REP_ACK).
type optionReply struct {
	Option uint32
	Type   uint32
	Data   []byte
}

func readOptionReply(r io.Reader) (optionReply, error) {
	var hdr [20]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return optionReply{}, fmt.Errorf("nbd: reading option reply header: %w", err)
	}
	magic := binary.BigEndian.Uint64(hdr[0:8])
	if magic != nbdRepMagic {
		return optionReply{}, fmt.Errorf("nbd: bad option reply magic %#x", magic)
	}
	rep := optionReply{
		Option: binary.BigEndian.Uint32(hdr[8:12]),
		Type:   binary.BigEndian.Uint32(hdr[12:16]),
	}
	length := binary.BigEndian.Uint32(hdr[16:20])
	if length > 0 {
		rep.Data = make([]byte, length)
		if _, err := io.ReadFull(r, rep.Data); err != nil {
			return optionReply{}, fmt.Errorf("nbd: reading option reply payload: %w", err)
		}
	}
	if rep.Type&nbdRepFlagError != 0 {
		return rep, fmt.Errorf("nbd: server rejected option %d with reply type %#x: %s", rep.Option, rep.Type, rep.Data)
	}
	return rep, nil
}

// exportInfo is the NBD_INFO_EXPORT payload: size and transmission
// flags for the export named in NBD_OPT_GO.
type exportInfo struct {
	Size  uint64
	Flags uint16
}

func parseExportInfo(data []byte) (exportInfo, error) {
	if len(data) < 12 {
		return exportInfo{}, fmt.Errorf("nbd: short NBD_INFO_EXPORT payload (%d bytes)", len(data))
	}
	return exportInfo{
		Size:  binary.BigEndian.Uint64(data[2:10]),
		Flags: binary.BigEndian.Uint16(data[10:12]),
	}, nil
}

// parseMetaContextReply decodes an NBD_REP_META_CONTEXT payload into
// the negotiated context id and its name.
func parseMetaContextReply(data []byte) (id uint32, name string, err error) {
	if len(data) < 4 {
		return 0, "", fmt.Errorf("nbd: short NBD_REP_META_CONTEXT payload")
	}
	return binary.BigEndian.Uint32(data[0:4]), string(data[4:]), nil
}

// request is a transmission-phase client command header.
type request struct {
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

func (r request) writeTo(w io.Writer) error {
	var buf [28]byte
	binary.BigEndian.PutUint32(buf[0:4], nbdRequestMagic)
	binary.BigEndian.PutUint16(buf[4:6], r.Flags)
	binary.BigEndian.PutUint16(buf[6:8], r.Type)
	binary.BigEndian.PutUint64(buf[8:16], r.Handle)
	binary.BigEndian.PutUint64(buf[16:24], r.Offset)
	binary.BigEndian.PutUint32(buf[24:28], r.Length)
	_, err := w.Write(buf[:])
	return err
}

// simpleReplyHeader is the fixed-size prefix of an NBD_SIMPLE_REPLY.
type simpleReplyHeader struct {
	Error  uint32
	Handle uint64
}

func readSimpleReplyHeader(r io.Reader) (simpleReplyHeader, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return simpleReplyHeader{}, err
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != nbdSimpleReply {
		return simpleReplyHeader{}, fmt.Errorf("nbd: bad simple reply magic %#x", magic)
	}
	return simpleReplyHeader{
		Error:  binary.BigEndian.Uint32(buf[4:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// structuredReplyChunk is one chunk of a structured reply sequence,
// used for NBD_CMD_BLOCK_STATUS responses.
type structuredReplyChunk struct {
	Flags  uint16
	Type   uint16
	Handle uint64
	Data   []byte
}

func (c structuredReplyChunk) done() bool {
	return c.Flags&0x1 != 0 // NBD_REPLY_FLAG_DONE
}

func readStructuredReplyChunk(r io.Reader) (structuredReplyChunk, error) {
	var hdr [20]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return structuredReplyChunk{}, err
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != nbdStructReply {
		return structuredReplyChunk{}, fmt.Errorf("nbd: bad structured reply magic %#x", magic)
	}
	c := structuredReplyChunk{
		Flags:  binary.BigEndian.Uint16(hdr[4:6]),
		Type:   binary.BigEndian.Uint16(hdr[6:8]),
		Handle: binary.BigEndian.Uint64(hdr[8:16]),
	}
	length := binary.BigEndian.Uint32(hdr[16:20])
	if length > 0 {
		c.Data = make([]byte, length)
		if _, err := io.ReadFull(r, c.Data); err != nil {
			return structuredReplyChunk{}, err
		}
	}
	return c, nil
}

// blockStatusDescriptor is one (length, status flags) pair within a
// NBD_REPLY_TYPE_BLOCK_STATUS chunk's payload.
type blockStatusDescriptor struct {
	Length uint32
	Flags  uint32
}

// parseBlockStatusPayload decodes a NBD_REPLY_TYPE_BLOCK_STATUS
// chunk's data into the context id it applies to and its descriptors.
func parseBlockStatusPayload(data []byte) (contextID uint32, descriptors []blockStatusDescriptor, err error) {
	if len(data) < 4 || (len(data)-4)%8 != 0 {
		return 0, nil, fmt.Errorf("nbd: malformed block status payload (%d bytes)", len(data))
	}
	contextID = binary.BigEndian.Uint32(data[0:4])
	for off := 4; off < len(data); off += 8 {
		descriptors = append(descriptors, blockStatusDescriptor{
			Length: binary.BigEndian.Uint32(data[off : off+4]),
			Flags:  binary.BigEndian.Uint32(data[off+4 : off+8]),
		})
	}
	return contextID, descriptors, nil
}
