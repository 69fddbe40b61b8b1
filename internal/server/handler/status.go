package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process's run mode and identity.
type StatusHandler struct {
	Mode        string
	Backend     string
	ChainID     int64
	AuthorityID string
	StartedAt   time.Time
}

// GetStatus responds with the current mode, ledger backend and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"ledger_backend": h.Backend,
		"chain_id":       h.ChainID,
		"authority_id":   h.AuthorityID,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
