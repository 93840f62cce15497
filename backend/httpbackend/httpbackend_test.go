package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovirt/imageiod/backend"
)

func TestReadToForwardsRangeAndCopiesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=10-19", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 10-19/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(bytes.Repeat([]byte{0x7A}, 10))
	}))
	defer srv.Close()

	b, err := Open(srv.URL, DefaultConfig())
	require.NoError(t, err)
	defer b.Close()

	var out bytes.Buffer
	require.NoError(t, b.ReadTo(context.Background(), &out, 10, 10))
	assert.Equal(t, bytes.Repeat([]byte{0x7A}, 10), out.Bytes())
}

func TestSizeParsesContentRangeTotal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/2048")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer srv.Close()

	b, err := Open(srv.URL, DefaultConfig())
	require.NoError(t, err)
	defer b.Close()

	size, err := b.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), size)
}

func TestWriteFromSendsContentRangeAndFlushQuery(t *testing.T) {
	var gotContentRange, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentRange = r.Header.Get("Content-Range")
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	b, err := Open(srv.URL, DefaultConfig())
	require.NoError(t, err)
	defer b.Close()

	payload := bytes.NewReader([]byte("hello"))
	require.NoError(t, b.WriteFrom(context.Background(), payload, 100, 5, true))
	assert.Equal(t, "bytes 100-104/*", gotContentRange)
	assert.Equal(t, "flush=y", gotQuery)
}

func TestZeroSendsJSONPatchBody(t *testing.T) {
	var gotBody struct {
		Op     string `json:"op"`
		Offset uint64 `json:"offset"`
		Size   uint64 `json:"size"`
		Flush  bool   `json:"flush"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := Open(srv.URL, DefaultConfig())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Zero(context.Background(), 65536, 4096, true, true))
	assert.Equal(t, "zero", gotBody.Op)
	assert.Equal(t, uint64(65536), gotBody.Offset)
	assert.Equal(t, uint64(4096), gotBody.Size)
	assert.True(t, gotBody.Flush)
}

func TestFlushSendsJSONPatchBody(t *testing.T) {
	var gotOp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var body struct {
			Op string `json:"op"`
		}
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		gotOp = body.Op
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := Open(srv.URL, DefaultConfig())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, "flush", gotOp)
}

func TestOriginErrorPropagatesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	b, err := Open(srv.URL, DefaultConfig())
	require.NoError(t, err)
	defer b.Close()

	var out bytes.Buffer
	err = b.ReadTo(context.Background(), &out, 0, 1)
	require.Error(t, err)
}

func TestExtentsDecodesJSONArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extents", r.URL.Path)
		assert.Equal(t, "context=zero", r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"start":0,"length":65536,"zero":false},{"start":65536,"length":1000,"zero":true,"hole":true}]`)
	}))
	defer srv.Close()

	b, err := Open(srv.URL, DefaultConfig())
	require.NoError(t, err)
	defer b.Close()

	extents, err := b.Extents(context.Background(), backend.ContextZero)
	require.NoError(t, err)
	assert.Equal(t, 2, extents.Len())
}
