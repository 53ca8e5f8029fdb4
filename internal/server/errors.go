package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/unlockd/internal/domain"
)

// Transport-level codes that have no domain.Code.
const (
	codeUnauthenticated = "UNAUTHENTICATED"
	codeForbidden       = "FORBIDDEN"
	codeNotFound        = "NOT_FOUND"
	codeInternal        = "INTERNAL"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Vertical  string            `json:"vertical,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// StatusOf maps a domain error code to its HTTP status.
func StatusOf(code domain.Code) int {
	switch code {
	case domain.CodeUnknownVertical:
		return http.StatusNotFound
	case domain.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case domain.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Untyped errors are logged and hidden behind a
// generic 500.
func (s *Server) writeError(c *gin.Context, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		s.logger.Error("unhandled error", "route", c.FullPath(), "error", err)
		abort(c, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if de.Code == domain.CodeStoreUnavailable {
		s.logger.Error("store unavailable", "route", c.FullPath(), "error", err)
	}

	// The cause of a store fault is internal detail.
	msg := de.Message
	if de.Code != domain.CodeStoreUnavailable && de.Err != nil {
		msg += ": " + de.Err.Error()
	}
	c.AbortWithStatusJSON(StatusOf(de.Code), ErrorBody{Error: ErrorDetail{
		Code:      string(de.Code),
		Message:   msg,
		Retryable: de.Retryable(),
		Vertical:  de.Vertical,
		Details:   de.Details,
	}})
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}

func badRequest(c *gin.Context, msg string) {
	abort(c, http.StatusBadRequest, string(domain.CodeInvalidRequest), msg)
}
