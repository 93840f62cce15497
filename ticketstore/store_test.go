package ticketstore

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovirt/imageiod/backend"
	_ "github.com/ovirt/imageiod/backend/filebackend"
)

// fakeClock lets tests advance time deterministically without
// sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time  { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(clock *fakeClock) *Store {
	s := New()
	s.now = clock.now
	return s
}

func uint64Ptr(v uint64) *uint64 { return &v }

func makeTestFile(t *testing.T, size int64) string {
	t.Helper()
	path := t.TempDir() + "/image.raw"
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestAddGetRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 1<<20)

	ticket := Ticket{UUID: "t1", URL: "file://" + path, Size: 1 << 20, Ops: []Op{OpRead}, Timeout: uint64Ptr(300)}
	require.NoError(t, s.Add(context.Background(), ticket))

	status, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", status.UUID)
	assert.False(t, status.Canceled)
	assert.Equal(t, 0, status.Connections)
}

func TestAuthorizeRejectsUnknownVerb(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 1024)

	require.NoError(t, s.Add(context.Background(), Ticket{UUID: "t1", URL: "file://" + path, Size: 1024, Ops: []Op{OpRead}, Timeout: uint64Ptr(300)}))

	_, err := s.Authorize("t1", OpWrite, 0, 100)
	require.Error(t, err)
}

func TestAuthorizeRejectsOutOfRange(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 1000)

	require.NoError(t, s.Add(context.Background(), Ticket{UUID: "t1", URL: "file://" + path, Size: 1000, Ops: []Op{OpRead}, Timeout: uint64Ptr(300)}))

	_, err := s.Authorize("t1", OpRead, 0, 1001)
	require.Error(t, err)
}

func TestExtendZeroForcesExpiration(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 1024)

	require.NoError(t, s.Add(context.Background(), Ticket{UUID: "t1", URL: "file://" + path, Size: 1024, Ops: []Op{OpRead}, Timeout: uint64Ptr(300)}))
	require.NoError(t, s.Extend("t1", 0))

	clock.advance(time.Second)

	_, err := s.Authorize("t1", OpRead, 0, 100)
	require.Error(t, err)
}

func TestCancelWaitsForQuiescenceThenRemoves(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 1024)

	require.NoError(t, s.Add(context.Background(), Ticket{UUID: "t1", URL: "file://" + path, Size: 1024, Ops: []Op{OpRead}, Timeout: uint64Ptr(300)}))

	lease, err := s.Authorize("t1", OpRead, 0, 100)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Cancel("t1", 0)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Cancel returned before connections dropped to zero")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release(lease, 100)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel did not return after quiescence")
	}

	_, err = s.Get("t1")
	require.Error(t, err)
}

func TestAuthorizeFailsDuringCanceling(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 1024)

	require.NoError(t, s.Add(context.Background(), Ticket{UUID: "t1", URL: "file://" + path, Size: 1024, Ops: []Op{OpRead}, Timeout: uint64Ptr(300)}))

	lease, err := s.Authorize("t1", OpRead, 0, 100)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Cancel("t1", 0)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	_, err = s.Authorize("t1", OpRead, 0, 100)
	require.Error(t, err)

	s.Release(lease, 100)
	<-done
}

func TestTransferredOnlyForSingleDirection(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 4096)

	require.NoError(t, s.Add(context.Background(), Ticket{UUID: "t1", URL: "file://" + path, Size: 4096, Ops: []Op{OpRead}, Timeout: uint64Ptr(300)}))

	lease, err := s.Authorize("t1", OpRead, 0, 1024)
	require.NoError(t, err)
	s.Release(lease, 1024)

	status, err := s.Get("t1")
	require.NoError(t, err)
	require.NotNil(t, status.Transferred)
	assert.Equal(t, uint64(1024), *status.Transferred)
}

func TestReaperCancelsIdleTicket(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 1024)

	require.NoError(t, s.Add(context.Background(), Ticket{
		UUID: "t1", URL: "file://" + path, Size: 1024, Ops: []Op{OpRead}, Timeout: uint64Ptr(300), InactivityTimeout: 5,
	}))

	clock.advance(10 * time.Second)
	s.reapOnce()

	_, err := s.Get("t1")
	require.Error(t, err)
}

func TestAddReplaceKeepsOldBackendOpenUntilLeaseReleased(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 4096)

	require.NoError(t, s.Add(context.Background(), Ticket{UUID: "t1", URL: "file://" + path, Size: 4096, Ops: []Op{OpRead}, Timeout: uint64Ptr(300)}))

	lease, err := s.Authorize("t1", OpRead, 0, 100)
	require.NoError(t, err)
	oldBackend := lease.Backend()

	require.NoError(t, s.Add(context.Background(), Ticket{UUID: "t1", URL: "file://" + path, Size: 4096, Ops: []Op{OpRead}, Timeout: uint64Ptr(300)}))

	// The old lease's Done() channel fires (matching the drain signal a
	// deliberate cancel gives an in-flight transfer), but the backend
	// itself must still work until the lease is released.
	select {
	case <-lease.Done():
	default:
		t.Fatal("replaced entry's cancelCh was not closed")
	}
	var out bytes.Buffer
	require.NoError(t, oldBackend.ReadTo(context.Background(), &out, 0, 100))

	s.Release(lease, 100)

	// The new ticket is unaffected and independently authorizable.
	newLease, err := s.Authorize("t1", OpRead, 0, 100)
	require.NoError(t, err)
	s.Release(newLease, 100)
}

func TestAddRejectsMissingTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(clock)
	path := makeTestFile(t, 1024)

	err := s.Add(context.Background(), Ticket{UUID: "t1", URL: "file://" + path, Size: 1024, Ops: []Op{OpRead}})
	require.Error(t, err)

	_, getErr := s.Get("t1")
	require.Error(t, getErr, "a rejected install must not leave a partial entry behind")
}

func TestBackendOpensForFileURL(t *testing.T) {
	path := makeTestFile(t, 4096)
	be, err := backend.Open(context.Background(), "file://"+path)
	require.NoError(t, err)
	defer be.Close()
	size, err := be.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)
}
