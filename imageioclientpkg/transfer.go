package iclientpkg

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ovirt/imageiod/apierr"
	"github.com/ovirt/imageiod/backend"
	_ "github.com/ovirt/imageiod/backend/httpbackend"
	_ "github.com/ovirt/imageiod/backend/nbdbackend"
	"github.com/ovirt/imageiod/extent"
	"github.com/zeebo/blake3"
)

// TransferOptions controls a single Upload/Download/Checksum call,
// distinct from the process-wide configStruct set by Init.
type TransferOptions struct {
	Workers     int    // 0 lets the server-advertised ceiling decide, capped at 8
	Format      string // download destination format; "" infers it from the file extension (.qcow2, .vmdk, else "raw")
	InsecureTLS bool
}

type transferJob struct {
	offset uint64
	length uint64
	zero   bool
}

// planJobs walks extents in ascending order and slices data extents
// into chunkSize-sized pieces, per spec §4.6 step 4.
func planJobs(list *extent.List, chunkSize uint64) []transferJob {
	var jobs []transferJob
	for _, e := range list.Slice() {
		if e.Zero {
			jobs = append(jobs, transferJob{offset: e.Start, length: e.Length, zero: true})
			continue
		}
		for off := e.Start; off < e.End(); {
			n := e.End() - off
			if n > chunkSize {
				n = chunkSize
			}
			jobs = append(jobs, transferJob{offset: off, length: n})
			off += n
		}
	}
	return jobs
}

// runPool drives jobs through concurrency workers. All workers call
// the same do closure and so share whatever backend.Backend it
// captures; no worker owns a dedicated connection, and concurrent
// requests draw connections from that backend's own pool.
// The whole transfer fails fast: the first worker error cancels ctx,
// which aborts every other in-flight job.
func runPool(ctx context.Context, concurrency int, jobs []transferJob, totalSize uint64, observer Observer, do func(ctx context.Context, j transferJob) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobCh := make(chan transferJob)
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	var completed uint64

	recordErr := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				if err := do(ctx, j); err != nil {
					if !apierr.IsCanceled(err) {
						recordErr(err)
					}
					continue
				}
				done := atomic.AddUint64(&completed, j.length)
				notify(observer, Progress{BytesTotal: totalSize, BytesCompleted: done})
			}
		}()
	}

feed:
	for _, j := range jobs {
		select {
		case jobCh <- j:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobCh)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Upload implements spec §4.6's upload plan: probe the local image,
// export it read-only via a co-located qemu-nbd, iterate its extents,
// and stream data/zero extents to the ticket at ticketURL.
func Upload(ctx context.Context, localPath, ticketURL string, opts TransferOptions, observer Observer) error {
	info, err := probeImage(ctx, localPath)
	if err != nil {
		return err
	}

	export, err := startNBDExport(ctx, localPath, info.Format, true)
	if err != nil {
		return err
	}
	defer export.Stop()

	localBackend, err := backend.Open(ctx, export.URL())
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "opening local qemu-nbd export")
	}
	defer localBackend.Close()

	caps, err := probeCapabilities(ctx, ticketURL, opts.InsecureTLS)
	if err != nil {
		return err
	}

	remoteBackend, err := backend.Open(ctx, ticketURL)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "opening remote ticket")
	}
	defer remoteBackend.Close()

	size, err := localBackend.Size(ctx)
	if err != nil {
		return err
	}

	extents, err := localBackend.Extents(ctx, backend.ContextZero)
	if err != nil {
		return err
	}
	jobs := planJobs(extents, chunkSizeOrDefault())
	concurrency := concurrencyCap(orOptionsWorkers(opts.Workers), caps.MaxWriters)

	logInfof("upload: %s -> %s, %d bytes, %d jobs, concurrency %d", localPath, ticketURL, size, len(jobs), concurrency)

	err = runPool(ctx, concurrency, jobs, size, observer, func(ctx context.Context, j transferJob) error {
		if j.zero {
			return remoteBackend.Zero(ctx, j.offset, j.length, false, true)
		}
		var buf bytes.Buffer
		if err := localBackend.ReadTo(ctx, &buf, j.offset, j.length); err != nil {
			return err
		}
		return remoteBackend.WriteFrom(ctx, bytes.NewReader(buf.Bytes()), j.offset, j.length, false)
	})
	if err != nil {
		return err
	}

	return remoteBackend.Flush(ctx)
}

// Download implements spec §4.6's symmetrical download plan: GET
// /extents from the ticket, seek-skip zero extents on a local
// qemu-nbd-exported destination (creating holes), and GET+write data
// extents.
func Download(ctx context.Context, ticketURL, localPath string, opts TransferOptions, observer Observer) error {
	caps, err := probeCapabilities(ctx, ticketURL, opts.InsecureTLS)
	if err != nil {
		return err
	}

	remoteBackend, err := backend.Open(ctx, ticketURL)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "opening remote ticket")
	}
	defer remoteBackend.Close()

	size, err := remoteBackend.Size(ctx)
	if err != nil {
		return err
	}

	format := opts.Format
	if format == "" {
		format = inferFormat(localPath)
	}
	if err := createImage(ctx, localPath, format, size); err != nil {
		return err
	}

	export, err := startNBDExport(ctx, localPath, format, false)
	if err != nil {
		return err
	}
	defer export.Stop()

	localBackend, err := backend.Open(ctx, export.URL())
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "opening local qemu-nbd export")
	}
	defer localBackend.Close()

	extents, err := remoteBackend.Extents(ctx, backend.ContextZero)
	if err != nil {
		return err
	}
	jobs := planJobs(extents, chunkSizeOrDefault())
	concurrency := concurrencyCap(orOptionsWorkers(opts.Workers), caps.MaxReaders)

	logInfof("download: %s -> %s, %d bytes, %d jobs, concurrency %d", ticketURL, localPath, size, len(jobs), concurrency)

	err = runPool(ctx, concurrency, jobs, size, observer, func(ctx context.Context, j transferJob) error {
		if j.zero {
			// The freshly created destination already reads as zero here.
			return nil
		}
		var buf bytes.Buffer
		if err := remoteBackend.ReadTo(ctx, &buf, j.offset, j.length); err != nil {
			return err
		}
		return localBackend.WriteFrom(ctx, bytes.NewReader(buf.Bytes()), j.offset, j.length, false)
	})
	if err != nil {
		return err
	}

	return localBackend.Flush(ctx)
}

// Checksum streams the local image sequentially through a BLAKE3
// hasher, prefixing the digest with the algorithm name the way
// content-addressed tooling in the ecosystem does, so a caller never
// has to guess which hash produced it.
func Checksum(ctx context.Context, path string) (string, error) {
	info, err := probeImage(ctx, path)
	if err != nil {
		return "", err
	}

	export, err := startNBDExport(ctx, path, info.Format, true)
	if err != nil {
		return "", err
	}
	defer export.Stop()

	localBackend, err := backend.Open(ctx, export.URL())
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, err, "opening local qemu-nbd export")
	}
	defer localBackend.Close()

	size, err := localBackend.Size(ctx)
	if err != nil {
		return "", err
	}

	hasher := blake3.New()
	chunk := chunkSizeOrDefault()
	for off := uint64(0); off < size; {
		n := size - off
		if n > chunk {
			n = chunk
		}
		if err := localBackend.ReadTo(ctx, hasher, off, n); err != nil {
			return "", err
		}
		off += n
	}

	return fmt.Sprintf("blake3:%x", hasher.Sum(nil)), nil
}

func chunkSizeOrDefault() uint64 {
	if globals.config.ChunkSize == 0 {
		return 4 << 20
	}
	return globals.config.ChunkSize
}

func orOptionsWorkers(requested int) int {
	if requested > 0 {
		return requested
	}
	return globals.config.Workers
}

func inferFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".qcow2":
		return "qcow2"
	case ".vmdk":
		return "vmdk"
	default:
		return "raw"
	}
}

