package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
	"transcription-engine/internal/history"
	"transcription-engine/internal/logging"
)

// Engine is the behavior the HTTP surface drives.
type Engine interface {
	AddJobs(paths []string) []string
	RemoveJob(id string) error
	ClearJobs() int
	Jobs() []domain.Job
	Job(id string) (domain.Job, bool)
	StartProcessing() (string, bool, error)
	CancelProcessing() int
	Resubmit(id string) (string, error)
	Running() bool
	Environment(ctx context.Context) domain.EnvironmentInfo
	RefreshEnvironment(ctx context.Context) domain.EnvironmentInfo
	Diagnostics(ctx context.Context) domain.DiagnosticReport
	Models() []domain.ModelOption
	Formats() []domain.OutputFormat
	Settings() domain.Settings
	SetConfig(key string, value any, persist bool) error
	ProvisionAccelerator()
	Events(seq int64) []events.Event
	History(ctx context.Context, limit int, status domain.JobStatus) ([]history.Entry, error)
}

// Server exposes Engine over JSON under /v1.
type Server struct {
	engine Engine
	log    logrus.FieldLogger
	router *mux.Router
}

// NewServer builds the router.
func NewServer(engine Engine, logger logrus.FieldLogger) *Server {
	s := &Server{
		engine: engine,
		log:    logging.Component(logger, "api"),
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.logRequests)

	v1.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs", s.addJobs).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.clearJobs).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.removeJob).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}/resubmit", s.resubmit).Methods(http.MethodPost)

	v1.HandleFunc("/processing/start", s.start).Methods(http.MethodPost)
	v1.HandleFunc("/processing/cancel", s.cancel).Methods(http.MethodPost)

	v1.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/environment", s.environment).Methods(http.MethodGet)
	v1.HandleFunc("/environment/refresh", s.refreshEnvironment).Methods(http.MethodPost)
	v1.HandleFunc("/diagnostics", s.diagnostics).Methods(http.MethodGet)
	v1.HandleFunc("/accelerator/provision", s.provision).Methods(http.MethodPost)

	v1.HandleFunc("/models", s.models).Methods(http.MethodGet)
	v1.HandleFunc("/formats", s.formats).Methods(http.MethodGet)
	v1.HandleFunc("/settings", s.settings).Methods(http.MethodGet)
	v1.HandleFunc("/settings/{key}", s.setSetting).Methods(http.MethodPut)
	v1.HandleFunc("/history", s.history).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
