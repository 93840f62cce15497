package imageiodpkg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ovirt/imageiod/apierr"
	"github.com/ovirt/imageiod/backend"
	"github.com/ovirt/imageiod/bucketstats"
	"github.com/ovirt/imageiod/logging"
	"github.com/ovirt/imageiod/ticketstore"
)

// statusRecorder captures the status code a handler wrote so route()
// can classify the request as a success or failure for stats purposes
// without every handler reporting it explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// imagesHandler is the data-plane handler of spec §4.4, served on both
// the TLS remote listener and the plaintext local Unix-socket
// listener.
type imagesHandler struct {
	store           *ticketstore.Store
	log             *logging.Logger
	stats           *stats
	localUnixSocket string
}

func (h *imagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	withRequestLog(h.log, h.route)(w, r)
}

func (h *imagesHandler) route(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimRight(r.URL.Path, "/")
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "images" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[1]

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	var hist *bucketstats.BucketLog2Round

	switch {
	case len(parts) == 2 && r.Method == http.MethodOptions:
		h.handleOptions(rec, r, id)
	case len(parts) == 2 && r.Method == http.MethodGet:
		hist = &h.stats.ImagesGet
		h.handleGet(rec, r, id)
	case len(parts) == 2 && r.Method == http.MethodPut:
		hist = &h.stats.ImagesPut
		h.handlePut(rec, r, id)
	case len(parts) == 2 && r.Method == http.MethodPatch:
		hist = &h.stats.ImagesPatch
		h.handlePatch(rec, r, id)
	case len(parts) == 3 && parts[2] == "extents" && r.Method == http.MethodGet:
		hist = &h.stats.ImagesExtents
		h.handleExtents(rec, r, id)
	default:
		apierr.WriteResponse(rec, apierr.MethodNotAllowed(fmt.Sprintf("imageiodpkg: %s not supported on %s", r.Method, path)))
	}

	if hist != nil {
		h.stats.record(hist, start, rec.status < 400)
	}
}

func (h *imagesHandler) handleOptions(w http.ResponseWriter, r *http.Request, id string) {
	status, err := h.store.Get(id)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}

	be, err := h.store.Backend(id)
	if err != nil {
		be = nil
	}
	features, allow := capabilities(status.Ticket, be)

	resp := struct {
		Features   []string `json:"features"`
		UnixSocket string   `json:"unix_socket,omitempty"`
		MaxReaders uint32   `json:"max_readers,omitempty"`
		MaxWriters uint32   `json:"max_writers,omitempty"`
	}{
		Features:   features,
		UnixSocket: h.localUnixSocket,
	}
	if be != nil {
		resp.MaxReaders = be.MaxReaders()
		resp.MaxWriters = be.MaxWriters()
	}

	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusOK, resp)
}

func (h *imagesHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	status, err := h.store.Get(id)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}
	size := status.Ticket.Size

	start, endInclusive, isRange, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		apierr.WriteResponse(w, err)
		return
	}
	length := endInclusive - start + 1

	lease, err := h.store.Authorize(id, ticketstore.OpRead, start, endInclusive+1)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}

	ctx, cancel := watchCancellation(r.Context(), lease)
	defer cancel()

	if status.Ticket.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", status.Ticket.Filename))
	}
	w.Header().Set("Content-Length", strconv.FormatUint(length, 10))
	if isRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, endInclusive, size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	err = lease.Backend().ReadTo(ctx, w, start, length)
	h.store.Release(lease, length)
	if err != nil && !apierr.IsCanceled(err) {
		h.log.Errorf("GET /images/%s: read_to failed after headers sent: %v", id, err)
	}
}

func (h *imagesHandler) handlePut(w http.ResponseWriter, r *http.Request, id string) {
	if r.ContentLength < 0 {
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: Content-Length is required"))
		return
	}
	length := uint64(r.ContentLength)

	start, err := parseContentRangeStart(r.Header.Get("Content-Range"))
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}

	flush, err := parseFlushQuery(r.URL.Query().Get("flush"))
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}

	lease, err := h.store.Authorize(id, ticketstore.OpWrite, start, start+length)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}

	ctx, cancel := watchCancellation(r.Context(), lease)
	defer cancel()

	err = lease.Backend().WriteFrom(ctx, r.Body, start, length, flush)
	h.store.Release(lease, length)
	if err != nil {
		apierr.WriteResponse(w, apierr.Wrap(apierr.KindInternal, err, "imageiodpkg: write_from failed"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type patchRequest struct {
	Op     string `json:"op"`
	Offset *uint64 `json:"offset"`
	Size   *uint64 `json:"size"`
	Flush  *bool   `json:"flush"`
}

func (h *imagesHandler) handlePatch(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: reading request body"))
		return
	}
	var req patchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: malformed JSON body"))
		return
	}

	switch req.Op {
	case "zero":
		h.handlePatchZero(w, id, req)
	case "flush":
		h.handlePatchFlush(w, id)
	case "":
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: missing required field \"op\""))
	default:
		apierr.WriteResponse(w, apierr.BadRequest(fmt.Sprintf("imageiodpkg: unknown op %q", req.Op)))
	}
}

func (h *imagesHandler) handlePatchZero(w http.ResponseWriter, id string, req patchRequest) {
	if req.Size == nil {
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: \"size\" is required for op \"zero\""))
		return
	}
	var offset uint64
	if req.Offset != nil {
		offset = *req.Offset
	}
	flush := req.Flush != nil && *req.Flush

	status, err := h.store.Get(id)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}

	lease, err := h.store.Authorize(id, ticketstore.OpWrite, offset, offset+*req.Size)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}

	punchHole := status.Ticket.Sparse
	err = lease.Backend().Zero(context.Background(), offset, *req.Size, flush, punchHole)
	h.store.Release(lease, *req.Size)
	if err != nil {
		apierr.WriteResponse(w, apierr.Wrap(apierr.KindInternal, err, "imageiodpkg: zero failed"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *imagesHandler) handlePatchFlush(w http.ResponseWriter, id string) {
	status, err := h.store.Get(id)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}
	lease, err := h.store.Authorize(id, ticketstore.OpWrite, 0, status.Ticket.Size)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}
	err = lease.Backend().Flush(context.Background())
	h.store.Release(lease, 0)
	if err != nil {
		apierr.WriteResponse(w, apierr.Wrap(apierr.KindInternal, err, "imageiodpkg: flush failed"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *imagesHandler) handleExtents(w http.ResponseWriter, r *http.Request, id string) {
	ctxParam := r.URL.Query().Get("context")
	if ctxParam == "" {
		ctxParam = "zero"
	}
	var extentContext backend.Context
	switch ctxParam {
	case "zero":
		extentContext = backend.ContextZero
	case "dirty":
		extentContext = backend.ContextDirty
	default:
		apierr.WriteResponse(w, apierr.BadRequest(fmt.Sprintf("imageiodpkg: unknown context %q", ctxParam)))
		return
	}

	status, err := h.store.Get(id)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}
	if extentContext == backend.ContextDirty && !status.Ticket.Dirty {
		apierr.WriteResponse(w, apierr.NotFound("imageiodpkg: ticket does not support dirty extents"))
		return
	}

	lease, err := h.store.Authorize(id, ticketstore.OpRead, 0, status.Ticket.Size)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}
	list, err := lease.Backend().Extents(r.Context(), extentContext)
	h.store.Release(lease, 0)
	if err != nil {
		apierr.WriteResponse(w, apierr.Wrap(apierr.KindInternal, err, "imageiodpkg: extents failed"))
		return
	}

	writeJSON(w, http.StatusOK, list.Slice())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.WriteResponse(w, apierr.Internal("imageiodpkg: marshaling response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// watchCancellation derives a context that is canceled when either the
// request's own context ends or the ticket enters the canceling state
// (spec §4.4.6, §5: handlers "MUST periodically check the signal
// between chunks").
func watchCancellation(parent context.Context, lease *ticketstore.Lease) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		select {
		case <-lease.Done():
			cancel()
		case <-ctx.Done():
		}
		close(done)
	}()
	return ctx, func() {
		cancel()
		<-done
	}
}
