package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/streaks/internal/tracking"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// requestError reports a malformed request before it reaches a service.
type requestError struct {
	reason string
	err    error
}

func (e *requestError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func (e *requestError) Unwrap() error {
	return e.err
}

func invalidRequest(reason string, err error) error {
	return &requestError{reason: reason, err: err}
}

func statusForError(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, tracking.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, tracking.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracking.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, tracking.ErrUpstreamUnavailable):
		// lock backend did not grant the user's lock in time
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeForError(err error) string {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return "request." + reqErr.reason
	}
	if code := tracking.ErrorCode(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, tracking.ErrValidation):
		return "request.invalid"
	case errors.Is(err, tracking.ErrNotFound):
		return "resource.not_found"
	case errors.Is(err, tracking.ErrConflict):
		return "storage.conflict"
	default:
		return "internal.failure"
	}
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status := statusForError(err)
	code := codeForError(err)
	reason := code
	if index := strings.LastIndex(code, "."); index >= 0 {
		reason = code[index+1:]
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("code", code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": reason, "code": code})
}
