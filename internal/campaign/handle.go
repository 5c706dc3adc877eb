package campaign

import (
	"sync/atomic"
	"time"

	"dispatchd/internal/model"
)

// Status is a point-in-time view of a campaign's jobs.
type Status struct {
	ID         string    `json:"id"`
	ProfileID  int64     `json:"profile_id"`
	TemplateID int64     `json:"template_id"`
	Total      int       `json:"total"`
	Pending    int       `json:"pending"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Cancelled  int       `json:"cancelled"`
	Stopped    bool      `json:"stopped"`
	StartedAt  time.Time `json:"started_at"`
}

// Handle is the live campaign. Its cancel flag is read by the pool right
// before each job runs.
type Handle struct {
	ID         string
	ProfileID  int64
	TemplateID int64
	StartedAt  time.Time

	total     int
	stopped   atomic.Bool
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	// done counts terminal jobs; exactly one record call sees it reach total.
	done atomic.Int64
}

func (h *Handle) Stopped() bool { return h.stopped.Load() }

// record counts one terminal job and reports whether it was the last.
func (h *Handle) record(s model.LogStatus) bool {
	switch s {
	case model.StatusSuccess:
		h.succeeded.Add(1)
	case model.StatusCancelled:
		h.cancelled.Add(1)
	default:
		h.failed.Add(1)
	}
	return h.done.Add(1) == int64(h.total)
}

func (h *Handle) Status() Status {
	ok, bad, cx := h.succeeded.Load(), h.failed.Load(), h.cancelled.Load()
	return Status{
		ID:         h.ID,
		ProfileID:  h.ProfileID,
		TemplateID: h.TemplateID,
		Total:      h.total,
		Pending:    h.total - int(ok+bad+cx),
		Succeeded:  int(ok),
		Failed:     int(bad),
		Cancelled:  int(cx),
		Stopped:    h.stopped.Load(),
		StartedAt:  h.StartedAt,
	}
}
