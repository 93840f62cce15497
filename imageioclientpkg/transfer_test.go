package iclientpkg

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovirt/imageiod/extent"
)

func TestPlanJobsSlicesDataExtentsIntoChunks(t *testing.T) {
	list := extent.NewList()
	list.Add(extent.Extent{Start: 0, Length: 10})

	jobs := planJobs(list, 4)
	require.Len(t, jobs, 3)
	assert.Equal(t, transferJob{offset: 0, length: 4}, jobs[0])
	assert.Equal(t, transferJob{offset: 4, length: 4}, jobs[1])
	assert.Equal(t, transferJob{offset: 8, length: 2}, jobs[2])
}

func TestPlanJobsKeepsZeroExtentsWhole(t *testing.T) {
	list := extent.NewList()
	list.Add(extent.Extent{Start: 0, Length: 100, Zero: true})

	jobs := planJobs(list, 4)
	require.Len(t, jobs, 1)
	assert.Equal(t, transferJob{offset: 0, length: 100, zero: true}, jobs[0])
}

func TestPlanJobsHandlesMixedExtents(t *testing.T) {
	list := extent.NewList()
	list.Add(extent.Extent{Start: 0, Length: 5})
	list.Add(extent.Extent{Start: 5, Length: 20, Zero: true})
	list.Add(extent.Extent{Start: 25, Length: 5})

	jobs := planJobs(list, 100)
	require.Len(t, jobs, 3)
	assert.False(t, jobs[0].zero)
	assert.True(t, jobs[1].zero)
	assert.Equal(t, uint64(20), jobs[1].length)
	assert.False(t, jobs[2].zero)
}

func TestRunPoolAggregatesProgressAcrossWorkers(t *testing.T) {
	jobs := []transferJob{
		{offset: 0, length: 10},
		{offset: 10, length: 10},
		{offset: 20, length: 10},
	}

	var lastCompleted uint64
	observer := ObserverFunc(func(p Progress) {
		if p.BytesCompleted > lastCompleted {
			atomic.StoreUint64(&lastCompleted, p.BytesCompleted)
		}
	})

	var processed int64
	err := runPool(context.Background(), 2, jobs, 30, observer, func(ctx context.Context, j transferJob) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt64(&processed))
	assert.Equal(t, uint64(30), atomic.LoadUint64(&lastCompleted))
}

func TestRunPoolFailsFastOnFirstError(t *testing.T) {
	jobs := make([]transferJob, 50)
	for i := range jobs {
		jobs[i] = transferJob{offset: uint64(i), length: 1}
	}

	boom := errors.New("boom")
	var attempted int64
	err := runPool(context.Background(), 4, jobs, uint64(len(jobs)), nil, func(ctx context.Context, j transferJob) error {
		n := atomic.AddInt64(&attempted, 1)
		if n == 1 {
			return boom
		}
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.Less(t, atomic.LoadInt64(&attempted), int64(len(jobs)))
}

func TestChunkSizeOrDefaultFallsBackWhenUnconfigured(t *testing.T) {
	saved := globals.config.ChunkSize
	defer func() { globals.config.ChunkSize = saved }()

	globals.config.ChunkSize = 0
	assert.Equal(t, uint64(4<<20), chunkSizeOrDefault())

	globals.config.ChunkSize = 1 << 16
	assert.Equal(t, uint64(1<<16), chunkSizeOrDefault())
}

func TestInferFormatFromExtension(t *testing.T) {
	assert.Equal(t, "qcow2", inferFormat("/tmp/disk.qcow2"))
	assert.Equal(t, "vmdk", inferFormat("/tmp/disk.VMDK"))
	assert.Equal(t, "raw", inferFormat("/tmp/disk.img"))
	assert.Equal(t, "raw", inferFormat("/tmp/disk"))
}
