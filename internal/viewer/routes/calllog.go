package routes

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/storage"
)

type callLogView struct {
	ID      int64          `json:"id"`
	Status  call.LogStatus `json:"status"`
	EndTime *time.Time     `json:"end_time"`
}

// registerCallLogRoutes serves the chat backend's call-log contract from the
// local database, so a UI built against the backend works unchanged. The
// local user is always the caller on create.
func registerCallLogRoutes(mux *http.ServeMux, db *storage.DB, selfID string) {
	cl := storage.NewCallLog(db, selfID, 0)

	mux.HandleFunc("POST /api/calls/{$}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ReceiverID realtime.LogID `json:"receiver_id"`
			Status     call.LogStatus `json:"status"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if req.ReceiverID == "" {
			writeError(w, http.StatusUnprocessableEntity, "receiver_id is required")
			return
		}
		if req.Status == "" {
			req.Status = call.LogMissed
		}
		if !req.Status.Valid() {
			writeError(w, http.StatusUnprocessableEntity, "invalid status")
			return
		}
		id, err := db.CreateCallLog(selfID, string(req.ReceiverID), req.Status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, callLogView{ID: id, Status: req.Status})
	})

	mux.HandleFunc("PATCH /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusNotFound, "Call log not found")
			return
		}
		var req struct {
			Status  call.LogStatus `json:"status"`
			EndTime *time.Time     `json:"end_time"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if !req.Status.Valid() {
			writeError(w, http.StatusUnprocessableEntity, "invalid status")
			return
		}
		rec, err := db.UpdateCallLog(id, req.Status, req.EndTime)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Call log not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, callLogView{ID: rec.ID, Status: rec.Status, EndTime: rec.EndTime})
	})

	mux.HandleFunc("GET /api/calls/{$}", func(w http.ResponseWriter, r *http.Request) {
		hist, err := cl.History(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if hist == nil {
			hist = []call.HistoryEntry{}
		}
		writeJSON(w, hist)
	})
}
