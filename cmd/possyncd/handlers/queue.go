package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/possync/backend/internal/app"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/sync/queue"
)

// maxSaleBytes bounds a single enqueued sale payload.
const maxSaleBytes = 1 << 20

// QueueHandler serves the offline sale queue.
type QueueHandler struct {
	app *app.App
	hub *WSHub
}

// NewQueueHandler creates a QueueHandler. hub may be nil.
func NewQueueHandler(a *app.App, hub *WSHub) *QueueHandler {
	return &QueueHandler{app: a, hub: hub}
}

// QueueListResponse is returned by List.
type QueueListResponse struct {
	Records []models.OfflineSaleRecord `json:"records"`
	Stats   queue.Stats                `json:"stats"`
}

// List handles GET /api/v1/queue. ?archived=true lists synced records.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	records := h.app.Queue.List()
	if r.URL.Query().Get("archived") == "true" {
		records = h.app.Queue.ListArchived()
	}
	OK(w, QueueListResponse{Records: records, Stats: h.app.Queue.GetStats()})
}

// Enqueue handles POST /api/v1/queue. The body is the sale JSON itself.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSaleBytes+1))
	if err != nil {
		BadRequest(w, "failed to read request body")
		return
	}
	if len(body) > maxSaleBytes {
		BadRequest(w, "sale payload too large")
		return
	}

	rec, err := h.app.Queue.Enqueue(r.Context(), json.RawMessage(body))
	if err != nil {
		Error(w, err)
		return
	}
	h.notify()
	Created(w, rec)
}

// Get handles GET /api/v1/queue/{id}.
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, rec)
}

// Flush handles POST /api/v1/queue/flush.
func (h *QueueHandler) Flush(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.Queue.SyncAllPendingSales(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	h.notify()
	OK(w, res)
}

// Retry handles POST /api/v1/queue/{id}/retry.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Queue.RetryFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, err)
		return
	}
	h.notify()
	OK(w, rec)
}

// Remove handles DELETE /api/v1/queue/{id}.
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		Error(w, err)
		return
	}
	h.notify()
	NoContent(w)
}

func (h *QueueHandler) notify() {
	if h.hub != nil {
		h.hub.Broadcast(EventQueueChanged, h.app.Queue.GetStats())
	}
}
