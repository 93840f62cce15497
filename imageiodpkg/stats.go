package imageiodpkg

import (
	"net/http"
	"time"

	"github.com/ovirt/imageiod/bucketstats"
)

// stats is a process-wide table of per-operation latency histograms
// and request counters, exposed as JSON on GET /stats. It plays the
// same role the teacher's imgr/imgrpkg statsStruct plays for the
// metadata server: one bucketstats.BucketLog2Round per timed
// operation, rendered wholesale rather than scraped field by field.
type stats struct {
	ImagesGet     bucketstats.BucketLog2Round
	ImagesPut     bucketstats.BucketLog2Round
	ImagesPatch   bucketstats.BucketLog2Round
	ImagesExtents bucketstats.BucketLog2Round

	TicketsInstall bucketstats.BucketLog2Round
	TicketsGet     bucketstats.BucketLog2Round
	TicketsExtend  bucketstats.BucketLog2Round
	TicketsCancel  bucketstats.BucketLog2Round
	TicketsList    bucketstats.BucketLog2Round

	RequestsTotal  bucketstats.Totaler
	RequestsFailed bucketstats.Totaler
}

func newStats() *stats { return &stats{} }

// record adds the elapsed time since start to h and bumps the
// request counters; ok distinguishes a handler that reached its
// success response from one that returned an apierr.
func (s *stats) record(h *bucketstats.BucketLog2Round, start time.Time, ok bool) {
	h.Add(uint64(time.Since(start) / time.Microsecond))
	s.RequestsTotal.Increment()
	if !ok {
		s.RequestsFailed.Increment()
	}
}

type statsSnapshot struct {
	ImagesGet     bucketstats.Snapshot `json:"images_get"`
	ImagesPut     bucketstats.Snapshot `json:"images_put"`
	ImagesPatch   bucketstats.Snapshot `json:"images_patch"`
	ImagesExtents bucketstats.Snapshot `json:"images_extents"`

	TicketsInstall bucketstats.Snapshot `json:"tickets_install"`
	TicketsGet     bucketstats.Snapshot `json:"tickets_get"`
	TicketsExtend  bucketstats.Snapshot `json:"tickets_extend"`
	TicketsCancel  bucketstats.Snapshot `json:"tickets_cancel"`
	TicketsList    bucketstats.Snapshot `json:"tickets_list"`

	RequestsTotal  uint64 `json:"requests_total"`
	RequestsFailed uint64 `json:"requests_failed"`
}

func (s *stats) snapshot() statsSnapshot {
	return statsSnapshot{
		ImagesGet:      s.ImagesGet.Snapshot(),
		ImagesPut:      s.ImagesPut.Snapshot(),
		ImagesPatch:    s.ImagesPatch.Snapshot(),
		ImagesExtents:  s.ImagesExtents.Snapshot(),
		TicketsInstall: s.TicketsInstall.Snapshot(),
		TicketsGet:     s.TicketsGet.Snapshot(),
		TicketsExtend:  s.TicketsExtend.Snapshot(),
		TicketsCancel:  s.TicketsCancel.Snapshot(),
		TicketsList:    s.TicketsList.Snapshot(),
		RequestsTotal:  s.RequestsTotal.Total(),
		RequestsFailed: s.RequestsFailed.Total(),
	}
}

func (h *ticketsHandler) handleStats(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, h.stats.snapshot())
}
