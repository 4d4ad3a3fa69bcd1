// Package httpapi serves the control and monitoring surface: pipeline
// trigger and status endpoints, run history, change-tracker management,
// Prometheus metrics and a websocket event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/hwco/farecast/internal/changes"
	"github.com/hwco/farecast/internal/pipeline"
	"github.com/hwco/farecast/internal/telemetry"
)

// Runner is the pipeline surface the server drives.
type Runner interface {
	Execute(ctx context.Context, trigger string, force bool) (*pipeline.RunRecord, error)
	Busy() bool
}

// Server is the HTTP control plane.
type Server struct {
	runner   Runner
	runs     pipeline.RunStore
	tracker  *changes.Tracker
	metrics  *telemetry.Metrics
	hub      *Hub
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New builds the server and its routes.
func New(runner Runner, runs pipeline.RunStore, tracker *changes.Tracker, metrics *telemetry.Metrics, hub *Hub) *Server {
	s := &Server{
		runner:  runner,
		runs:    runs,
		tracker: tracker,
		metrics: metrics,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pipeline/trigger", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/pipeline/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/last", s.handleLast).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/changes", s.handlePendingChanges).Methods(http.MethodGet)
	api.HandleFunc("/changes", s.handleRecordChange).Methods(http.MethodPost)
	api.HandleFunc("/changes", s.handleClearChanges).Methods(http.MethodDelete)

	r.HandleFunc("/ws/events", s.handleEvents).Methods(http.MethodGet)

	s.router = r
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("Control server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.runner.Busy() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already_running"})
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	go func() {
		if _, err := s.runner.Execute(context.Background(), pipeline.TriggerManual, force); err != nil {
			log.Error().Err(err).Msg("Triggered run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"force":  force,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runs.LatestRun(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runs recorded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      rec.RunID,
		"status":      rec.Status,
		"trigger":     rec.Trigger,
		"started_at":  rec.StartedAt,
		"finished_at": rec.FinishedAt,
		"phases":      rec.Phases,
		"diagnostics": rec.Diagnostics,
		"running":     s.runner.Busy(),
	})
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runs.LatestRun(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runs recorded"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := s.runs.Runs(r.Context(), limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(records),
		"runs":  records,
	})
}

func (s *Server) handlePendingChanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.tracker.Pending()})
}

func (s *Server) handleRecordChange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Collection string `json:"collection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Collection == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "collection required"})
		return
	}
	s.tracker.Record(body.Collection)
	if s.metrics != nil {
		s.metrics.PendingChanges.Set(float64(len(s.tracker.Pending())))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"pending": s.tracker.Pending()})
}

func (s *Server) handleClearChanges(w http.ResponseWriter, r *http.Request) {
	cleared := s.tracker.SnapshotAndClear()
	if s.metrics != nil {
		s.metrics.PendingChanges.Set(0)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	s.hub.subscribe(r.Context(), conn)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}
