package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/septivank/lorawan-telemetry-hub/internal/auth"
	"github.com/septivank/lorawan-telemetry-hub/internal/downlink"
	"github.com/septivank/lorawan-telemetry-hub/internal/logging"
	"github.com/septivank/lorawan-telemetry-hub/internal/repository"
	"github.com/septivank/lorawan-telemetry-hub/internal/uplink"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(message string) error {
	return &apiError{status: http.StatusBadRequest, code: "bad_request", message: message}
}

// errorHandler renders the last error attached with c.Error, unless the
// handler already wrote a response.
func errorHandler(c *gin.Context) {
	c.Next()

	if len(c.Errors) == 0 || c.Writer.Written() {
		return
	}

	err := c.Errors.Last().Err
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context(), zap.NewNop()).Error("request failed", zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func classify(err error) (int, ErrorResponse) {
	var apiErr *apiError
	var remote *downlink.RemoteError

	switch {
	case errors.As(err, &apiErr):
		return apiErr.status, ErrorResponse{Code: apiErr.code, Message: apiErr.message}
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, ErrorResponse{Code: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, uplink.ErrMalformedEvent):
		return http.StatusBadRequest, ErrorResponse{Code: "malformed_event", Message: err.Error()}
	case errors.Is(err, repository.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Code: "storage_unavailable", Message: "storage unavailable, retry later"}
	case errors.Is(err, downlink.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorResponse{Code: "bad_request", Message: err.Error()}
	case errors.Is(err, downlink.ErrNotConfigured):
		return http.StatusServiceUnavailable, ErrorResponse{Code: "downlink_not_configured", Message: err.Error()}
	case errors.As(err, &remote):
		return remote.StatusCode, ErrorResponse{Code: "network_server_error", Message: "TTN error: " + remote.Body}
	default:
		return http.StatusInternalServerError, ErrorResponse{Code: "internal", Message: "internal error"}
	}
}
