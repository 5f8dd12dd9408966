package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/possync/backend/internal/app"
	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/remote"
)

// SnapshotHandler serves the resident snapshot and verification.
type SnapshotHandler struct {
	app *app.App
	hub *WSHub
}

// NewSnapshotHandler creates a SnapshotHandler. hub may be nil.
func NewSnapshotHandler(a *app.App, hub *WSHub) *SnapshotHandler {
	return &SnapshotHandler{app: a, hub: hub}
}

// SnapshotResponse is returned by Get.
type SnapshotResponse struct {
	Downloaded bool                     `json:"downloaded"`
	Tables     []string                 `json:"tables"`
	Metadata   *models.DownloadMetadata `json:"metadata"`
}

// Get handles GET /api/v1/snapshot.
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	downloaded, err := h.app.Snapshots.IsDownloaded(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	meta, err := h.app.Snapshots.GetDownloadMetadata(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, SnapshotResponse{
		Downloaded: downloaded,
		Tables:     h.app.Snapshots.Tables(),
		Metadata:   meta,
	})
}

// TableResponse is returned by GetTable.
type TableResponse struct {
	Table string       `json:"table"`
	Count int          `json:"count"`
	Rows  []remote.Row `json:"rows"`
}

// GetTable handles GET /api/v1/snapshot/{table}.
func (h *SnapshotHandler) GetTable(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if err := remote.ValidateIdentifier(table); err != nil {
		Error(w, err)
		return
	}
	rows, err := h.app.Snapshots.LoadTable(r.Context(), table)
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, TableResponse{Table: table, Count: len(rows), Rows: rows})
}

// Download handles POST /api/v1/snapshot. Per-table failures are reported in
// the result with a 200; an aborted download answers with the abort error.
func (h *SnapshotHandler) Download(w http.ResponseWriter, r *http.Request) {
	if !h.app.Probe.IsOnline() {
		Error(w, apperrors.New(apperrors.ErrNetworkUnavailable, "device is offline"))
		return
	}

	var progress func(models.Progress)
	if h.hub != nil {
		progress = h.hub.BroadcastProgress
	}
	res, err := h.app.Snapshots.DownloadFullDatabase(r.Context(), progress)
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, res)
}

// Clear handles DELETE /api/v1/snapshot.
func (h *SnapshotHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Snapshots.ClearDownload(r.Context()); err != nil {
		Error(w, err)
		return
	}
	if h.hub != nil {
		h.hub.Broadcast(EventSnapshotCleared, nil)
	}
	NoContent(w)
}

// Verify handles GET /api/v1/verify.
func (h *SnapshotHandler) Verify(w http.ResponseWriter, r *http.Request) {
	OK(w, h.app.Verifier.VerifyAllData(r.Context()))
}
