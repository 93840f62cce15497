package imageiodpkg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovirt/imageiod/logging"
	"github.com/ovirt/imageiod/ticketstore"

	_ "github.com/ovirt/imageiod/backend/filebackend"
)

func newTestImagesHandler(t *testing.T, size int64) (*imagesHandler, string) {
	t.Helper()
	path := t.TempDir() + "/image.raw"
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	store := ticketstore.New()
	require.NoError(t, store.Add(context.Background(), ticketstore.Ticket{
		UUID: "t1", URL: "file://" + path, Size: uint64(size),
		Ops: []ticketstore.Op{ticketstore.OpRead, ticketstore.OpWrite}, Timeout: uint64Ptr(300),
	}))

	log, _, err := logging.New("test-images", logging.Config{})
	require.NoError(t, err)

	return &imagesHandler{store: store, log: log, stats: newStats()}, path
}

func TestImagesOptionsReportsReadWriteAllow(t *testing.T) {
	h, _ := newTestImagesHandler(t, 4096)

	req := httptest.NewRequest(http.MethodOptions, "/images/t1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GET, PUT, PATCH, OPTIONS", w.Header().Get("Allow"))
	assert.Contains(t, w.Body.String(), "extents")
}

func TestImagesGetFullImage(t *testing.T) {
	h, path := newTestImagesHandler(t, 16)
	require.NoError(t, os.WriteFile(path, []byte("0123456789abcdef"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/images/t1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "16", w.Header().Get("Content-Length"))
	assert.Equal(t, "0123456789abcdef", w.Body.String())
}

func TestImagesGetRangeReturnsPartialContent(t *testing.T) {
	h, path := newTestImagesHandler(t, 16)
	require.NoError(t, os.WriteFile(path, []byte("0123456789abcdef"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/images/t1", nil)
	req.Header.Set("Range", "bytes=2-5")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 2-5/16", w.Header().Get("Content-Range"))
	assert.Equal(t, "2345", w.Body.String())
}

func TestImagesGetMultiRangeRejected(t *testing.T) {
	h, _ := newTestImagesHandler(t, 16)

	req := httptest.NewRequest(http.MethodGet, "/images/t1", nil)
	req.Header.Set("Range", "bytes=0-1,2-3")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
}

func TestImagesGetUnknownTicketForbidden(t *testing.T) {
	h, _ := newTestImagesHandler(t, 16)

	req := httptest.NewRequest(http.MethodGet, "/images/nope", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestImagesPutWritesBody(t *testing.T) {
	h, path := newTestImagesHandler(t, 8)

	req := httptest.NewRequest(http.MethodPut, "/images/t1?flush=y", strings.NewReader("abcdefgh"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(got))
}

func TestImagesPutRejectsInvalidFlushValue(t *testing.T) {
	h, _ := newTestImagesHandler(t, 8)

	req := httptest.NewRequest(http.MethodPut, "/images/t1?flush=bogus", strings.NewReader("abcdefgh"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImagesPatchZeroRequiresSize(t *testing.T) {
	h, _ := newTestImagesHandler(t, 16)

	req := httptest.NewRequest(http.MethodPatch, "/images/t1", strings.NewReader(`{"op":"zero"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImagesPatchZeroWritesZeroes(t *testing.T) {
	h, path := newTestImagesHandler(t, 8)
	require.NoError(t, os.WriteFile(path, []byte("aaaaaaaa"), 0o644))

	req := httptest.NewRequest(http.MethodPatch, "/images/t1", strings.NewReader(`{"op":"zero","offset":2,"size":4}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'a', 0, 0, 0, 0, 'a', 'a'}, got)
}

func TestImagesPatchUnknownOpRejected(t *testing.T) {
	h, _ := newTestImagesHandler(t, 16)

	req := httptest.NewRequest(http.MethodPatch, "/images/t1", strings.NewReader(`{"op":"bogus"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImagesExtentsReturnsJSONArray(t *testing.T) {
	h, _ := newTestImagesHandler(t, 4096)

	req := httptest.NewRequest(http.MethodGet, "/images/t1/extents", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "[")
}

func TestImagesExtentsDirtyWithoutSupportIs404(t *testing.T) {
	h, _ := newTestImagesHandler(t, 4096)

	req := httptest.NewRequest(http.MethodGet, "/images/t1/extents?context=dirty", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
