// Package api serves the read-only operational endpoints: health, device
// snapshots, recent telemetry, and aggregate run-time totals. The write-side
// CRUD for users, locations, and motors lives in a separate service; this
// surface exists for operators and dashboards.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/agrolinq/pumpfleet/internal/runtrack"
	"github.com/agrolinq/pumpfleet/internal/store"
)

type Server struct {
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Server {
	return &Server{store: st, logger: logger}
}

// Handler builds the routed handler, with panic recovery wrapping every
// endpoint.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/devices/{mac}", s.handleDevice).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/devices/{mac}/telemetry/recent", s.handleRecentTelemetry).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runtime/total", s.handleRuntimeTotal).Methods(http.MethodGet)
	return handlers.RecoveryHandler()(s.logging(r))
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.logger.Info("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "db_down", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	dc, err := s.store.ResolveDevice(r.Context(), mac)
	if err != nil {
		s.logger.Error("resolve device failed", "mac", mac, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}
	if dc == nil {
		writeError(w, http.StatusNotFound, "unknown_device", "no device with that hardware address")
		return
	}
	writeJSON(w, http.StatusOK, dc)
}

func (s *Server) handleRecentTelemetry(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	dc, err := s.store.ResolveDevice(r.Context(), mac)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}
	if dc == nil {
		writeError(w, http.StatusNotFound, "unknown_device", "no device with that hardware address")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	rows, err := s.store.RecentTelemetry(r.Context(), dc.Device.StarterID, limit)
	if err != nil {
		s.logger.Error("recent telemetry query failed", "mac", mac, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}
	if rows == nil {
		rows = []store.TelemetryRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

type runtimeTotalResponse struct {
	StarterID    int64  `json:"starter_id"`
	MotorID      int64  `json:"motor_id"`
	TotalSeconds int64  `json:"total_seconds"`
	Formatted    string `json:"formatted"`
	Sessions     int    `json:"sessions"`
}

// handleRuntimeTotal sums the closed-session durations for one
// (starter, motor) pair by running each formatted duration back through the
// parser.
func (s *Server) handleRuntimeTotal(w http.ResponseWriter, r *http.Request) {
	starterID, err1 := strconv.ParseInt(r.URL.Query().Get("starter_id"), 10, 64)
	motorID, err2 := strconv.ParseInt(r.URL.Query().Get("motor_id"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "starter_id and motor_id are required integers")
		return
	}

	durations, err := s.store.ClosedSessionDurations(r.Context(), starterID, motorID)
	if err != nil {
		s.logger.Error("session durations query failed", "starter_id", starterID, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}

	var total int64
	for _, d := range durations {
		secs, err := runtrack.ParseDurationSeconds(d)
		if err != nil {
			s.logger.Warn("skipping unparseable session duration", "duration", d, "error", err)
			continue
		}
		total += secs
	}
	writeJSON(w, http.StatusOK, runtimeTotalResponse{
		StarterID:    starterID,
		MotorID:      motorID,
		TotalSeconds: total,
		Formatted:    runtrack.FormatDuration(total * 1000),
		Sessions:     len(durations),
	})
}
