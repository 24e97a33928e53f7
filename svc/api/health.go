package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"veilpost/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Database string `json:"database"`
	Limiter  string `json:"limiter"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready reports hard readiness on the post store; Redis degrades to the local
// limiter fallback, so its outage marks the instance degraded, not down.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Database: "up", Limiter: "up"}

	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := s.db.Ping(dbCtx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Degraded = true
		resp.Ready = false
	}

	if s.rdb != nil {
		rdbCtx, rdbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer rdbCancel()
		if err := s.rdb.Ping(rdbCtx); err != nil {
			util.Warn().Err(err).Msg("shared limiter health check failed")
			resp.Limiter = "down"
			resp.Degraded = true
		}
	} else {
		resp.Limiter = "local"
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
