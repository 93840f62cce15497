package nbdbackend

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovirt/imageiod/extent"
)

func TestParseNBDURLUnix(t *testing.T) {
	tgt, err := parseNBDURL("nbd:unix:/run/imageio/sock:exportname=disk0")
	require.NoError(t, err)
	assert.Equal(t, "unix", tgt.network)
	assert.Equal(t, "/run/imageio/sock", tgt.address)
	assert.Equal(t, "disk0", tgt.exportName)
}

func TestParseNBDURLUnixNoExportName(t *testing.T) {
	tgt, err := parseNBDURL("nbd:unix:/run/imageio/sock")
	require.NoError(t, err)
	assert.Equal(t, "/run/imageio/sock", tgt.address)
	assert.Equal(t, "", tgt.exportName)
}

func TestParseNBDURLTCP(t *testing.T) {
	tgt, err := parseNBDURL("nbd://192.0.2.1:10809/disk0")
	require.NoError(t, err)
	assert.Equal(t, "tcp", tgt.network)
	assert.Equal(t, "192.0.2.1:10809", tgt.address)
	assert.Equal(t, "disk0", tgt.exportName)
}

func TestParseNBDURLTCPDefaultPort(t *testing.T) {
	tgt, err := parseNBDURL("nbd://192.0.2.1/disk0")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:10809", tgt.address)
}

func TestParseNBDURLRejectsGarbage(t *testing.T) {
	_, err := parseNBDURL("http://example.com/")
	assert.Error(t, err)
}

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := request{Flags: nbdCmdFlagFua, Type: nbdCmdWrite, Handle: 42, Offset: 4096, Length: 65536}
	require.NoError(t, req.writeTo(&buf))
	assert.Equal(t, 28, buf.Len())
}

func TestParseExportInfo(t *testing.T) {
	data := make([]byte, 12)
	data[1] = byte(nbdInfoExport)
	data[8] = 1 // size = 256 (big-endian uint64 at [2:10])
	info, err := parseExportInfo(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), info.Size)
}

func TestParseBlockStatusPayload(t *testing.T) {
	// context id 1, then one descriptor: length=4096, flags=0 (allocated data)
	data := []byte{
		0, 0, 0, 1,
		0, 0, 0x10, 0,
		0, 0, 0, 0,
	}
	id, descriptors, err := parseBlockStatusPayload(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
	require.Len(t, descriptors, 1)
	assert.Equal(t, uint32(0x1000), descriptors[0].Length)
}

func TestForEachChunkSplitsAtCap(t *testing.T) {
	var chunks []uint32
	err := forEachChunk(0, maxNBDRequestSize+1024, func(offset uint64, length uint32) error {
		chunks = append(chunks, length)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint32(maxNBDRequestSize), chunks[0])
	assert.Equal(t, uint32(1024), chunks[1])
}

func TestContainsEINTRMarker(t *testing.T) {
	assert.True(t, containsEINTRMarker("nbd: block status failed with errno 4"))
	assert.False(t, containsEINTRMarker("nbd: block status failed with errno 5"))
}

func TestMergeBlockStatusExtentsZeroContextSplitsAtDepthBoundary(t *testing.T) {
	// base:allocation reports one 8192-byte allocated, non-zero run;
	// qemu:allocation-depth splits it in two: the first half is on the
	// top layer (depth 0), the second half comes from a backing file
	// (depth 1) and should read back as a hole.
	alloc := []blockStatusDescriptor{{Length: 8192, Flags: 0}}
	depth := []blockStatusDescriptor{{Length: 4096, Flags: 0}, {Length: 4096, Flags: 1}}

	out := extent.NewList()
	mergeBlockStatusExtents(out, 0, false, alloc, depth)

	got := out.Slice()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].Start)
	assert.Equal(t, uint64(4096), got[0].Length)
	assert.False(t, got[0].Hole)
	assert.Equal(t, uint64(4096), got[1].Start)
	assert.Equal(t, uint64(4096), got[1].Length)
	assert.True(t, got[1].Hole)
}

func TestMergeBlockStatusExtentsDirtyContextCombinesBitmap(t *testing.T) {
	alloc := []blockStatusDescriptor{{Length: 4096, Flags: nbdStateZero}}
	dirty := []blockStatusDescriptor{{Length: 4096, Flags: nbdStateDirty}}

	out := extent.NewList()
	mergeBlockStatusExtents(out, 0, true, alloc, dirty)

	got := out.Slice()
	require.Len(t, got, 1)
	assert.True(t, got[0].Zero)
	require.NotNil(t, got[0].Dirty)
	assert.True(t, *got[0].Dirty)
}

func TestMergeBlockStatusExtentsNoSecondaryFallsBackToAllocationBits(t *testing.T) {
	alloc := []blockStatusDescriptor{{Length: 4096, Flags: nbdStateHole | nbdStateZero}}

	out := extent.NewList()
	mergeBlockStatusExtents(out, 0, false, alloc, nil)

	got := out.Slice()
	require.Len(t, got, 1)
	assert.True(t, got[0].Hole)
	assert.True(t, got[0].Zero)
}
