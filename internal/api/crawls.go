package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type crawlRequest struct {
	ProjectID string `json:"project_id"`
	// ProjectIDCamel accepts the dashboard's camelCase field.
	ProjectIDCamel string `json:"projectId"`
}

type crawlResponse struct {
	JobID        string       `json:"job_id"`
	Status       crawl.Status `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type shareRequest struct {
	Level          crawl.ShareLevel `json:"level"`
	ExpiresInHours float64          `json:"expires_in_hours"`
}

func (s *Server) requestCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "invalid JSON body")
		return
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = req.ProjectIDCamel
	}
	job, err := s.crawls.RequestCrawl(r.Context(), userID(r.Context()), projectID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, crawlResponse{
		JobID:        job.ID,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
	})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := s.crawls.GetJob(r.Context(), userID(r.Context()), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "invalid JSON body")
		return
	}
	job, err := s.crawls.CancelJob(r.Context(), userID(r.Context()), chi.URLParam(r, "job_id"), req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) shareCrawl(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "invalid JSON body")
		return
	}
	if req.ExpiresInHours < 0 {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "expires_in_hours must not be negative")
		return
	}
	ttl := time.Duration(req.ExpiresInHours * float64(time.Hour))
	job, err := s.crawls.ShareJob(r.Context(), userID(r.Context()), chi.URLParam(r, "job_id"), req.Level, ttl)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Sharing)
}

// listCrawls handles GET /projects/{project_id}/crawls?limit=.
func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "invalid limit")
			return
		}
		limit = min(val, maxHistoryLimit)
	}
	jobs, err := s.crawls.ListJobs(r.Context(), userID(r.Context()), chi.URLParam(r, "project_id"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []crawl.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// decodeOptional decodes a JSON body; an empty body leaves dst untouched.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
