package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"oventime/internal/clock"
	"oventime/internal/model"
)

type handler struct {
	reader model.SnapshotReader
	now    clock.Func
}

// queryTime reads ?time=, defaulting to now.
func (h *handler) queryTime(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	t, err := clock.ParseQueryTime(r.URL.Query().Get("time"), h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return time.Time{}, false
	}
	return t, true
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	t, ok := h.queryTime(w, r)
	if !ok {
		return
	}
	s, err := h.reader.DiagnosticAt(r.Context(), t)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, model.StatusView{Time: s.Time, Status: s.Status})
}

func (h *handler) diagnostic(w http.ResponseWriter, r *http.Request) {
	t, ok := h.queryTime(w, r)
	if !ok {
		return
	}
	s, err := h.reader.DiagnosticAt(r.Context(), t)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, s)
}

func (h *handler) window(w http.ResponseWriter, r *http.Request) {
	t, ok := h.queryTime(w, r)
	if !ok {
		return
	}
	res, err := h.reader.WindowAt(r.Context(), t)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, res)
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	log.Printf("[api] cache lookup: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
