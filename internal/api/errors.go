package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// Machine-readable error codes returned in the "code" field.
const (
	codeUnauthorized      = "UNAUTHORIZED"
	codeHMACInvalid       = "HMAC_INVALID"
	codeNotFound          = "NOT_FOUND"
	codeValidation        = "VALIDATION"
	codeCrawlLimit        = "CRAWL_LIMIT_REACHED"
	codeConflict          = "CONFLICT"
	codeNotIngestable     = "JOB_NOT_INGESTABLE"
	codeInvalidTransition = "INVALID_TRANSITION"
	codeInternal          = "INTERNAL"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeServiceError maps domain errors onto status codes. Unknown errors are
// logged and reported as a generic 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *crawl.ValidationError
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, codeValidation, invalid.Error())
	case errors.Is(err, crawl.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, crawl.ErrCrawlLimitReached):
		writeError(w, http.StatusTooManyRequests, codeCrawlLimit, crawl.ErrCrawlLimitReached.Error())
	case errors.Is(err, crawl.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, crawl.ErrConflict.Error())
	case errors.Is(err, crawl.ErrNotIngestable):
		writeError(w, http.StatusConflict, codeNotIngestable, crawl.ErrNotIngestable.Error())
	case errors.Is(err, crawl.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidTransition, "job can no longer change state")
	default:
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
