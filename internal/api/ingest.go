package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/JakeFAU/crawl-orchestrator/internal/ingest"
)

type rescoreRequest struct {
	JobID string `json:"job_id"`
}

// ingestBatch handles POST /ingest/batch. The body was verified by signedBody.
func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "unreadable request body")
		return
	}
	var batch ingest.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "invalid batch payload")
		return
	}
	batch.Raw = body
	result, err := s.ingestor.IngestBatch(r.Context(), batch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// rescore handles POST /ingest/rescore-llm.
func (s *Server) rescore(w http.ResponseWriter, r *http.Request) {
	var req rescoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "invalid rescore payload")
		return
	}
	result, err := s.ingestor.Rescore(r.Context(), req.JobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}
