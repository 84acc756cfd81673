// Package api exposes the admin and client HTTP surface: enqueue,
// inspect, cancel, archive replay, cron management, and queue
// statistics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/taxfold/jobqueue/archive"
	"github.com/taxfold/jobqueue/cancel"
	"github.com/taxfold/jobqueue/cron"
	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/queue"
)

// Server bundles the HTTP handlers over the engine components.
type Server struct {
	queue    *queue.Engine
	jobs     *job.Store
	cancels  *cancel.Engine
	archives *archive.Store
	crons    *cron.Scheduler
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(
	q *queue.Engine,
	jobs *job.Store,
	cancels *cancel.Engine,
	archives *archive.Store,
	crons *cron.Scheduler,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		queue:    q,
		jobs:     jobs,
		cancels:  cancels,
		archives: archives,
		crons:    crons,
		logger:   logger,
	}
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", s.handleEnqueue)
	mux.HandleFunc("GET /v1/jobs", s.handleList)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/archive", s.handleArchiveList)
	mux.HandleFunc("POST /v1/archive/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /v1/cron", s.handleCronList)
	mux.HandleFunc("POST /v1/cron", s.handleCronAdd)
	mux.HandleFunc("DELETE /v1/cron/{name}", s.handleCronRemove)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(mux)
}

type enqueueRequest struct {
	Type           job.Type        `json:"type"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Priority       *int            `json:"priority,omitempty"`
	MaxRetries     *int            `json:"maxRetries,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "MALFORMED_REQUEST", err.Error())
		return
	}
	if req.Type == "" || req.OrganizationID == "" {
		s.writeError(w, http.StatusBadRequest, "MISSING_FIELDS", "type and organizationId are required")
		return
	}

	var opts []job.Option
	if req.Priority != nil {
		opts = append(opts, job.WithPriority(job.Priority(*req.Priority)))
	}
	if req.MaxRetries != nil {
		opts = append(opts, job.WithMaxRetries(*req.MaxRetries))
	}

	j, err := s.queue.Enqueue(r.Context(), req.Type, req.OrganizationID, req.UserID, req.Payload, opts...)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.jobs.List(r.Context(), job.ListOpts{
		Status:         job.Status(q.Get("status")),
		Type:           job.Type(q.Get("type")),
		OrganizationID: q.Get("organizationId"),
		UserID:         q.Get("userId"),
		Limit:          intParam(q.Get("limit")),
		Offset:         intParam(q.Get("offset")),
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_ID", err.Error())
		return
	}
	j, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

type cancelRequest struct {
	Method string `json:"method,omitempty"`
	Reason string `json:"reason,omitempty"`
	UserID string `json:"userId,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_ID", err.Error())
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "MALFORMED_REQUEST", err.Error())
			return
		}
	}

	res, err := s.cancels.Cancel(r.Context(), cancel.Request{
		JobID:  jobID,
		Method: cancel.Method(req.Method),
		Reason: req.Reason,
		UserID: req.UserID,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.archives.List(r.Context(), archive.ListOpts{
		Type:           job.Type(q.Get("type")),
		OrganizationID: q.Get("organizationId"),
		Limit:          intParam(q.Get("limit")),
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	archiveID, err := id.ParseArchiveID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_ID", err.Error())
		return
	}
	j, err := s.archives.Replay(r.Context(), archiveID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.crons.List(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCronAdd(w http.ResponseWriter, r *http.Request) {
	var e cron.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		s.writeError(w, http.StatusBadRequest, "MALFORMED_REQUEST", err.Error())
		return
	}
	if err := s.crons.Add(r.Context(), e); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleCronRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.crons.Remove(r.Context(), r.PathValue("name")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
