package imageiodpkg

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ovirt/imageiod/apierr"
	"github.com/ovirt/imageiod/bucketstats"
	"github.com/ovirt/imageiod/logging"
	"github.com/ovirt/imageiod/ticketstore"
)

// ticketsHandler is the control-plane handler of spec §4.5, served
// only on the control listener (Unix socket preferred, else TCP
// loopback; plain HTTP, no TLS).
type ticketsHandler struct {
	store *ticketstore.Store
	log   *logging.Logger
	stats *stats
}

func (h *ticketsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	withRequestLog(h.log, h.route)(w, r)
}

func (h *ticketsHandler) route(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions && r.URL.Path == "*" {
		h.handleCapabilityProbe(w)
		return
	}
	if r.Method == http.MethodGet && strings.TrimRight(r.URL.Path, "/") == "/stats" {
		h.handleStats(w)
		return
	}

	path := strings.TrimRight(r.URL.Path, "/")
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 1 || parts[0] != "tickets" {
		http.NotFound(w, r)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	var hist *bucketstats.BucketLog2Round

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		hist = &h.stats.TicketsList
		h.handleList(rec)
	case len(parts) == 2 && parts[1] != "" && r.Method == http.MethodPut:
		hist = &h.stats.TicketsInstall
		h.handleInstall(rec, r, parts[1])
	case len(parts) == 2 && parts[1] != "" && r.Method == http.MethodGet:
		hist = &h.stats.TicketsGet
		h.handleGet(rec, parts[1])
	case len(parts) == 2 && parts[1] != "" && r.Method == http.MethodPatch:
		hist = &h.stats.TicketsExtend
		h.handleExtend(rec, r, parts[1])
	case len(parts) == 2 && parts[1] != "" && r.Method == http.MethodDelete:
		hist = &h.stats.TicketsCancel
		h.handleCancel(rec, r, parts[1])
	default:
		http.NotFound(rec, r)
	}

	if hist != nil {
		h.stats.record(hist, start, rec.status < 400)
	}
}

// handleCapabilityProbe answers `OPTIONS *` with the union of
// features the process could serve, independent of any single ticket
// (SPEC_FULL §12 supplement 1).
func (h *ticketsHandler) handleCapabilityProbe(w http.ResponseWriter) {
	features, allow := capabilities(allVerbsTicket, nil)
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusOK, struct {
		Features []string `json:"features"`
	}{Features: features})
}

func (h *ticketsHandler) handleList(w http.ResponseWriter) {
	ids := h.store.List()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, ids)
}

// handleInstall accepts any non-empty opaque printable ticket id, not
// only a UUID: the router already guarantees non-empty (id is the
// second path segment and this case only matches when it isn't ""),
// and scenario S1 installs a ticket with the plain id "t1".
func (h *ticketsHandler) handleInstall(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: reading request body"))
		return
	}

	var ticket ticketstore.Ticket
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&ticket); err != nil {
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: malformed or unrecognized ticket JSON field"))
		return
	}
	ticket.UUID = id

	if err := h.store.Add(r.Context(), ticket); err != nil {
		apierr.WriteResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *ticketsHandler) handleGet(w http.ResponseWriter, id string) {
	status, err := h.store.Get(id)
	if err != nil {
		apierr.WriteResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type extendRequest struct {
	Timeout *uint64 `json:"timeout"`
}

func (h *ticketsHandler) handleExtend(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: reading request body"))
		return
	}
	var req extendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: malformed JSON body"))
		return
	}
	if req.Timeout == nil {
		apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: \"timeout\" is required"))
		return
	}
	if err := h.store.Extend(id, *req.Timeout); err != nil {
		apierr.WriteResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *ticketsHandler) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	timeout := time.Duration(0)
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		seconds, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			apierr.WriteResponse(w, apierr.BadRequest("imageiodpkg: malformed timeout query parameter"))
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}
	if err := h.store.Cancel(id, timeout); err != nil {
		apierr.WriteResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
