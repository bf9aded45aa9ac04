package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

const (
	errInternalServer = "Internal server error"
	errUnavailable    = "Service is shutting down"
	errJobNotFound    = "Job not found"
	errDuplicateJob   = "An identical job is already in progress"
	errNotReady       = "Job has no download yet"
	errRateLimited    = "Upstream rate limit reached, try again later"
	errUpstream       = "Upstream service failed"
	errUpstreamAuth   = "Upstream rejected our credentials"
	errTimeout        = "Upstream did not answer in time"
)

// statusFor maps an error kind onto an HTTP status. For retry_exhausted the
// kind seen on the last attempt decides.
func statusFor(e *domain.Error) int {
	kind := e.Kind
	if kind == domain.KindRetryExhausted {
		kind = e.Cause()
	}

	switch kind {
	case domain.KindUnknownHandle:
		return http.StatusNotFound
	case domain.KindDuplicateSubmission, domain.KindNotReady:
		return http.StatusConflict
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindTimeout, domain.KindPollTimeout:
		return http.StatusGatewayTimeout
	case domain.KindClientInvalid:
		if e.StatusCode == 0 {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	}
	if kind.Family() == domain.FamilyParse {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func messageFor(e *domain.Error, status int) string {
	switch {
	case e.Kind == domain.KindUnknownHandle:
		return errJobNotFound
	case e.Kind == domain.KindDuplicateSubmission:
		return errDuplicateJob
	case e.Kind == domain.KindNotReady:
		return errNotReady
	case status == http.StatusTooManyRequests:
		return errRateLimited
	case status == http.StatusGatewayTimeout:
		return errTimeout
	case e.Cause() == domain.KindAuth:
		return errUpstreamAuth
	case status == http.StatusBadGateway:
		return errUpstream
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// writeError renders err as {"error", "kind"} with the mapped status.
func writeError(c *gin.Context, logger *slog.Logger, op string, err error) {
	var e *domain.Error
	if !errors.As(err, &e) {
		switch {
		case errors.Is(err, orchestrator.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": errUnavailable})
		case errors.Is(err, context.Canceled):
			c.Status(499) // client went away
		default:
			logger.ErrorContext(c.Request.Context(), op, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	status := statusFor(e)
	if status >= http.StatusInternalServerError {
		logger.WarnContext(c.Request.Context(), op, "error", err, "kind", e.Kind)
	}

	body := gin.H{"error": messageFor(e, status), "kind": e.Kind}
	if e.Handle != "" && e.Kind == domain.KindDuplicateSubmission {
		body["handle"] = e.Handle
	}
	c.JSON(status, body)
}
