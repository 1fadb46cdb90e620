// Package api serves read-only pipeline status over HTTP together with the
// Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
)

// DeploymentStatus is one deployment's pipeline state
type DeploymentStatus struct {
	DeploymentID string     `json:"deployment_id"`
	State        string     `json:"state"`
	Generation   int64      `json:"generation"`
	LastFileTime *time.Time `json:"last_file_time,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Diagnostic is a validator finding for the latest file revision
type Diagnostic struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// Validation describes the latest validated file revision
type Validation struct {
	Path        string       `json:"path"`
	ContentHash string       `json:"content_hash"`
	ModTime     time.Time    `json:"mod_time"`
	Passed      bool         `json:"passed"`
	ValidatedAt time.Time    `json:"validated_at"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Dataset describes the committed aggregated dataset
type Dataset struct {
	Generation     int64     `json:"generation"`
	QCGeneration   int64     `json:"qc_generation"`
	CurrentVersion string    `json:"current_version"`
	Path           string    `json:"path"`
	ProfileCount   int       `json:"profile_count"`
	AggregatedAt   time.Time `json:"aggregated_at"`
}

// PendingJob is a queued or claimed job
type PendingJob struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LeaseOwner string    `json:"lease_owner,omitempty"`
}

// DeploymentDetail is the full status of one deployment
type DeploymentDetail struct {
	DeploymentStatus
	Dataset    *Dataset     `json:"dataset,omitempty"`
	Validation *Validation  `json:"latest_validation,omitempty"`
	Pending    []PendingJob `json:"pending_jobs"`
}

// DeadLetter is a job that exhausted its attempts
type DeadLetter struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	Kind         string     `json:"kind"`
	DeploymentID string     `json:"deployment_id"`
	Attempts     int        `json:"attempts"`
	Reason       string     `json:"reason"`
	CreatedAt    time.Time  `json:"created_at"`
	RequeuedAt   *time.Time `json:"requeued_at,omitempty"`
}

// Server serves the status API
type Server struct {
	config Config
	db     *db.DB
	queue  *queue.Queue
	router *mux.Router
	logger *slog.Logger
}

// New creates a status server
func New(config Config, database *db.DB, q *queue.Queue, logger *slog.Logger) (*Server, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid api config: %w", err)
	}

	s := &Server{
		config: config,
		db:     database,
		queue:  q,
		router: mux.NewRouter(),
		logger: logger,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/deployments", s.listDeployments).Methods(http.MethodGet)
	s.router.HandleFunc("/deployments/{id}", s.getDeployment).Methods(http.MethodGet)
	s.router.HandleFunc("/deadletters", s.listDeadLetters).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens on the configured address until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if s.config.Addr == "" {
		s.logger.Info("api server disabled")
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	out, err := Statuses(r.Context(), s.db)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	detail, err := Describe(r.Context(), s.db, s.queue, id)
	if db.IsNotFound(err) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("deployment %s not found", id))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	out, err := DeadLetters(r.Context(), s.queue)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// Statuses lists every deployment's pipeline state
func Statuses(ctx context.Context, database *db.DB) ([]DeploymentStatus, error) {
	states, err := database.ListDeploymentStates(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]DeploymentStatus, 0, len(states))
	for _, st := range states {
		out = append(out, toStatus(st))
	}
	return out, nil
}

// Describe assembles one deployment's state, dataset, latest validation and
// live jobs. A deployment with no pipeline state yields a db not-found error.
func Describe(ctx context.Context, database *db.DB, q *queue.Queue, id string) (*DeploymentDetail, error) {
	st, err := database.GetDeploymentState(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &DeploymentDetail{DeploymentStatus: toStatus(st), Pending: []PendingJob{}}

	ds, err := database.GetDataset(ctx, id)
	switch {
	case err == nil:
		detail.Dataset = &Dataset{
			Generation:     ds.Generation,
			QCGeneration:   ds.QCGeneration,
			CurrentVersion: ds.CurrentVersion,
			Path:           ds.Path,
			ProfileCount:   ds.ProfileCount,
			AggregatedAt:   ds.AggregatedAt,
		}
	case !db.IsNotFound(err):
		return nil, err
	}

	sf, diags, err := database.LatestValidation(ctx, id)
	switch {
	case err == nil:
		v := &Validation{
			Path:        sf.Path,
			ContentHash: sf.ContentHash,
			ModTime:     sf.ModTime,
			Passed:      sf.Passed,
			ValidatedAt: sf.ValidatedAt,
			Diagnostics: make([]Diagnostic, 0, len(diags)),
		}
		for _, d := range diags {
			v.Diagnostics = append(v.Diagnostics, Diagnostic{Code: d.Code, Severity: d.Severity, Field: d.Field, Message: d.Message})
		}
		detail.Validation = v
	case !db.IsNotFound(err):
		return nil, err
	}

	jobs, err := q.Pending(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		detail.Pending = append(detail.Pending, PendingJob{
			ID:         j.ID,
			Kind:       string(j.Kind),
			Attempt:    j.Attempt,
			EnqueuedAt: j.EnqueuedAt,
			LeaseOwner: j.LeaseOwner,
		})
	}

	return detail, nil
}

// DeadLetters lists dead-lettered jobs
func DeadLetters(ctx context.Context, q *queue.Queue) ([]DeadLetter, error) {
	dead, err := q.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]DeadLetter, 0, len(dead))
	for _, d := range dead {
		out = append(out, DeadLetter{
			ID:           d.ID,
			JobID:        d.JobID,
			Kind:         d.Kind,
			DeploymentID: d.DeploymentID,
			Attempts:     d.Attempts,
			Reason:       d.Reason,
			CreatedAt:    d.CreatedAt,
			RequeuedAt:   d.RequeuedAt,
		})
	}
	return out, nil
}

func toStatus(st *db.DeploymentState) DeploymentStatus {
	return DeploymentStatus{
		DeploymentID: st.DeploymentID,
		State:        st.State,
		Generation:   st.Generation,
		LastFileTime: st.LastFileTime,
		LastError:    st.LastError,
		UpdatedAt:    st.UpdatedAt,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
