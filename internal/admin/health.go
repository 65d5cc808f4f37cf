package admin

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status    string `json:"status"`
	ActiveVMs int    `json:"active_vms"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok", ActiveVMs: s.pool.Len()}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
