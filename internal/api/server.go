// Package api serves the session control surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/vrulab/detection.report/internal/config"
	"github.com/vrulab/detection.report/internal/db"
	"github.com/vrulab/detection.report/internal/engine"
	"github.com/vrulab/detection.report/internal/monitoring"
	"github.com/vrulab/detection.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	manager    *engine.Manager
	db         *db.DB
	collectors *monitoring.Collectors
	tuning     *config.TuningConfig
}

func NewServer(manager *engine.Manager, database *db.DB, collectors *monitoring.Collectors, tuning *config.TuningConfig) *Server {
	return &Server{
		manager:    manager,
		db:         database,
		collectors: collectors,
		tuning:     tuning,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.startSession)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.showSession)
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.pauseSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.resumeSession)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.stopSession)
	mux.HandleFunc("POST /api/sessions/{id}/flush", s.retryFlush)
	mux.HandleFunc("POST /api/sessions/{id}/detections", s.feedDetection)
	mux.HandleFunc("POST /api/sessions/{id}/signals", s.feedSignal)
	mux.HandleFunc("GET /api/results", s.listResults)
	mux.HandleFunc("GET /api/results/{id}", s.showResult)
	mux.HandleFunc("PUT /api/videos/{id}/annotations", s.replaceAnnotations)
	mux.HandleFunc("GET /ws/sessions/{id}", s.streamSession)
	mux.HandleFunc("GET /api/version", s.showVersion)
	if s.collectors != nil {
		mux.Handle("GET /metrics", s.collectors.Handler())
	}
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeEngineError maps engine error taxonomy onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		s.writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidConfiguration):
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrInvalidSessionState),
		errors.Is(err, engine.ErrNoFlushPending):
		s.writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrCollaboratorUnavailable):
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var cfg engine.SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid session config: %v", err))
		return
	}
	s.applyTuningDefaults(&cfg)

	id, err := s.manager.Start(cfg)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"session_id": id})
}

// applyTuningDefaults fills correlation fields a start request omits with the
// tuning-file values. Explicit request values always win.
func (s *Server) applyTuningDefaults(cfg *engine.SessionConfig) {
	if s.tuning == nil {
		return
	}
	if cfg.ToleranceMs == 0 {
		cfg.ToleranceMs = s.tuning.GetToleranceMs()
	}
	if !cfg.SpatialMode {
		cfg.SpatialMode = s.tuning.GetSpatialMode()
	}
	if cfg.SpatialMode && cfg.MinIoU == 0 {
		cfg.MinIoU = s.tuning.GetMinIoU()
	}
	// Only a tuning file that names a signal tolerance overrides the
	// session's own fallback to its detection tolerance.
	if cfg.SignalToleranceMs == 0 && s.tuning.SignalToleranceMs != nil {
		cfg.SignalToleranceMs = s.tuning.GetSignalToleranceMs()
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snapshots := s.manager.List()
	if snapshots == nil {
		snapshots = []engine.Snapshot{}
	}
	json.NewEncoder(w).Encode(snapshots)
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snap, err := s.manager.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.manager.Pause(r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "paused"})
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.manager.Resume(r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "running"})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var body struct {
		Reason engine.StopReason `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid stop request: %v", err))
			return
		}
	}
	if body.Reason == "" {
		body.Reason = engine.ReasonCompleted
	}
	switch body.Reason {
	case engine.ReasonCompleted, engine.ReasonCancelled, engine.ReasonError:
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown stop reason %q", body.Reason))
		return
	}

	if err := s.manager.Stop(r.PathValue("id"), body.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": string(body.Reason.TerminalState())})
}

func (s *Server) retryFlush(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.manager.RetryFlush(r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "flushed"})
}

func (s *Server) feedDetection(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var det engine.DetectionEvent
	if err := json.NewDecoder(r.Body).Decode(&det); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid detection: %v", err))
		return
	}

	res, err := s.manager.FeedDetection(r.PathValue("id"), det)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(res)
}

func (s *Server) feedSignal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var sig engine.SignalEvent
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid signal: %v", err))
		return
	}

	if err := s.manager.FeedSignal(r.PathValue("id"), sig); err != nil {
		s.writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	listings, err := s.db.ListSessions()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list session results: %v", err))
		return
	}
	if listings == nil {
		listings = []db.SessionListing{}
	}
	json.NewEncoder(w).Encode(listings)
}

func (s *Server) showResult(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rec, err := s.db.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound,
			fmt.Sprintf("Failed to load session result: %v", err))
		return
	}
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) replaceAnnotations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var annotations []engine.GroundTruthAnnotation
	if err := json.NewDecoder(r.Body).Decode(&annotations); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid annotation set: %v", err))
		return
	}

	videoID := r.PathValue("id")
	if err := s.db.ReplaceAnnotations(videoID, annotations); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to store annotations: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"video_id": videoID,
		"count":    len(annotations),
	})
}
