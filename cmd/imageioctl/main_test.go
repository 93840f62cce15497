package main

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovirt/imageiod/imageiodpkg"
)

func TestTicketURLEscapesID(t *testing.T) {
	assert.Equal(t, "http://control/tickets/abc%2Fdef", ticketURL("http://control", "abc/def"))
}

func TestControlClientPrefersUnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer ln.Close()

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})}
	go srv.Serve(ln)
	defer srv.Close()

	client, baseURL := controlClient(imageiodpkg.Config{ControlUnixSocket: socketPath})
	assert.Equal(t, "http://control", baseURL)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/tickets/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlClientFallsBackToTCP(t *testing.T) {
	_, baseURL := controlClient(imageiodpkg.Config{ControlTCPAddr: "127.0.0.1", ControlTCPPort: 9999})
	assert.Equal(t, "http://127.0.0.1:9999", baseURL)
}

func TestDoRequestReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("ticket canceled"))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	err = doRequest(http.DefaultClient, req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticket canceled")
}

func TestDoRequestWritesBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"active":true}`))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	tmp, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer tmp.Close()

	require.NoError(t, doRequest(http.DefaultClient, req, tmp))

	data, err := os.ReadFile(tmp.Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"active":true`)
}

func TestAddTicketRejectsMissingUUID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticket.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"size":100}`), 0644))

	err := addTicket(http.DefaultClient, "http://control", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uuid")
}
