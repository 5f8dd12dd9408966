package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kimhsiao/possync/backend/internal/app"
	"github.com/kimhsiao/possync/backend/internal/logging"
)

// SyncHandler serves the scheduler endpoints.
type SyncHandler struct {
	app *app.App
	// baseCtx parents background cycles started over HTTP; request contexts
	// end with the request.
	baseCtx context.Context
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(baseCtx context.Context, a *app.App) *SyncHandler {
	return &SyncHandler{app: a, baseCtx: baseCtx}
}

// Status handles GET /api/v1/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	OK(w, h.app.Scheduler.Status())
}

// SyncNow handles POST /api/v1/sync/now. It blocks until the cycle ends.
// A client that disconnects does not cut the cycle short: a flush or
// download stopped midway would leave the snapshot partial.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.Scheduler.SyncNow(context.WithoutCancel(r.Context()))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, report)
}

// Start handles POST /api/v1/sync/start.
func (h *SyncHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.app.Scheduler.StartAutoSync(h.baseCtx)
	OK(w, h.app.Scheduler.Status())
}

// Stop handles POST /api/v1/sync/stop.
func (h *SyncHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.app.Scheduler.StopAutoSync()
	OK(w, h.app.Scheduler.Status())
}

// SetInterval handles PUT /api/v1/sync/interval.
//
// The body carries either {"interval":"5m"} or {"interval_ms":300000}.
func (h *SyncHandler) SetInterval(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Interval   string `json:"interval"`
		IntervalMs int64  `json:"interval_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	d := time.Duration(request.IntervalMs) * time.Millisecond
	if request.Interval != "" {
		parsed, err := time.ParseDuration(request.Interval)
		if err != nil {
			BadRequest(w, "interval must be a duration such as 15m")
			return
		}
		d = parsed
	}

	if err := h.app.Scheduler.SetSyncInterval(d); err != nil {
		Error(w, err)
		return
	}
	logging.Info("Sync interval updated over HTTP", map[string]interface{}{
		"interval_ms": d.Milliseconds(),
		"request_id":  GetRequestID(r.Context()),
	})
	OK(w, h.app.Scheduler.Status())
}
