package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/KonstantinosKos/weatherAppSock/internal/metrics"
	"github.com/KonstantinosKos/weatherAppSock/internal/stream"
)

// errorResponse is the uniform JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// healthResponse reports the upstream session state.
type healthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Upstream  string `json:"upstream"`
	Backbone  string `json:"backbone"`
	Instance  string `json:"instance"`
	Time      string `json:"time"`
}

// routes registers the ops endpoints.
func (a *app) routes() http.Handler {
	a.logger.Debugw("registering routes", "routes", []string{"GET /healthz", "GET /metrics"})
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", metrics.Handler(a.registry))
	return mux
}

// handleHealthz returns 200 while a session is live and 503 otherwise.
func (a *app) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.logger.Debugw("healthz rejected", "method", r.Method)
		a.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	state := a.source.State()
	resp := healthResponse{
		Status:   "ok",
		State:    state.String(),
		Upstream: a.cfg.upstreamURL,
		Backbone: string(a.cfg.backbone),
		Instance: a.cfg.instanceID,
		Time:     time.Now().UTC().Format(time.RFC3339),
	}
	if s := a.source.Session(); s != nil {
		resp.SessionID = s.ID()
	}

	code := http.StatusOK
	if state != stream.Connected {
		code = http.StatusServiceUnavailable
		resp.Status = "degraded"
	}
	a.writeJSON(w, code, resp)
}

func (a *app) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Warnw("writeJSON encode failed", "status", status, "err", err)
	}
}
