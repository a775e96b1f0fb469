package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/soilscope/advisory-platform/internal/apperr"
	"github.com/soilscope/advisory-platform/internal/middleware"
	"github.com/soilscope/advisory-platform/internal/model"
	"github.com/soilscope/advisory-platform/pkg/logger"
)

// maxBodyBytes bounds request bodies; message content alone may be 100000 bytes.
const maxBodyBytes = 256 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps service errors to status codes. Internal failures are
// logged and answered with an opaque message.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	var (
		validation *apperr.ValidationError
		forbidden  *apperr.ForbiddenError
		notFound   *apperr.NotFoundError
		conflict   *apperr.ConflictError
		limited    *apperr.RateLimitedError
		integrity  *apperr.IntegrityError
	)

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &forbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "resource was modified concurrently, retry the request")
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfter(time.Now())))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.As(err, &integrity):
		requestLogger(r, log).Error("stored data failed integrity check",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		requestLogger(r, log).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestLogger(r *http.Request, log *logger.Logger) *logger.Logger {
	return log.WithRequest(middleware.GetCorrelationID(r.Context()), middleware.GetUserID(r.Context()))
}

// decodeBody reads a JSON body into v, bounded by maxBodyBytes.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// requireIdentity returns the authenticated caller or answers 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return id, ok
}
