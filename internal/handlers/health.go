package handlers

import (
	"net/http"
	"strconv"

	"github.com/quicklabs/termgate/internal/logging"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServerLogs returns the tail of the server log for operational diagnosis.
func ServerLogs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 5000 {
			n = v
		}
	}
	tail, err := logging.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}
