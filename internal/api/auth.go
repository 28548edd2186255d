package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/signature"
)

type userIDKey struct{}

// userID returns the authenticated caller set by bearerAuth.
func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// bearerAuth resolves "Authorization: Bearer <token>" to a user ID.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		uid, ok := s.cfg.Tokens[strings.TrimSpace(token)]
		if !ok || uid == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// signedBody reads the whole body, verifies its HMAC, and hands the bytes to
// the handler. Every verification failure gets the same response.
func (s *Server) signedBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, codeValidation, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, codeValidation, "unreadable request body")
			return
		}
		if s.cfg.Verifier == nil {
			s.logger.Error("ingestion secret not configured")
			writeError(w, http.StatusUnauthorized, codeHMACInvalid, "invalid signature")
			return
		}
		sig := r.Header.Get(signature.HeaderSignature)
		ts := r.Header.Get(signature.HeaderTimestamp)
		if err := s.cfg.Verifier.Verify(sig, ts, body); err != nil {
			s.logger.Warn("signature rejected",
				zap.String("request_id", requestID(r.Context())),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			writeError(w, http.StatusUnauthorized, codeHMACInvalid, "invalid signature")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
