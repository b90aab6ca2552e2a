package server

import (
	"encoding/json"
	"net/http"

	"github.com/jfoltran/replicator/internal/metrics"
)

type handlers struct {
	collector *metrics.Collector
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, snap)
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	entries := h.collector.Logs()
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
