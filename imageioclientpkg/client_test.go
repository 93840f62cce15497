package iclientpkg

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyCapDefaultsToEight(t *testing.T) {
	assert.Equal(t, 8, concurrencyCap(0, 0))
}

func TestConcurrencyCapRespectsUserRequest(t *testing.T) {
	assert.Equal(t, 3, concurrencyCap(3, 0))
}

func TestConcurrencyCapRespectsServerAdvertised(t *testing.T) {
	assert.Equal(t, 2, concurrencyCap(0, 2))
}

func TestConcurrencyCapTakesTheSmallestOfAllThree(t *testing.T) {
	assert.Equal(t, 2, concurrencyCap(6, 2))
	assert.Equal(t, 5, concurrencyCap(5, 20))
}

func TestConcurrencyCapWithNegativeUserRequestFallsBackToServerOrDefault(t *testing.T) {
	assert.Equal(t, 8, concurrencyCap(-1, 0))
	assert.Equal(t, 4, concurrencyCap(-1, 4))
}

func TestProbeCapabilitiesDecodesOptionsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodOptions, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(capabilities{
			Features:   []string{"zero", "flush", "extents"},
			MaxReaders: 6,
			MaxWriters: 3,
		})
	}))
	defer srv.Close()

	caps, err := probeCapabilities(context.Background(), srv.URL, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), caps.MaxReaders)
	assert.Equal(t, uint32(3), caps.MaxWriters)
	assert.Contains(t, caps.Features, "extents")
}

func TestProbeCapabilitiesRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := probeCapabilities(context.Background(), srv.URL, false)
	assert.Error(t, err)
}
