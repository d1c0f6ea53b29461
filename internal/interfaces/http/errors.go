package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/agentrun/gateway/pkg/errors"
	"go.uber.org/zap"
)

// errorBody is the JSON shape every failed request passed to respondErr
// gets; errEventPayload builds the same shape for an SSE `error` event.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// respondErr maps any error to its HTTP status via AppError.HTTPStatus,
// falling back to 500 for errors that were never classified.
func respondErr(c *gin.Context, logger *zap.Logger, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body := errorBody{Error: appErr.Message}
		if appErr.Err != nil {
			body.Detail = appErr.Err.Error()
		}
		c.JSON(appErr.HTTPStatus(), body)
		return
	}
	logger.Error("unclassified error reached HTTP boundary", zap.Error(err))
	c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
}

// errEventPayload is the JSON payload of a terminal SSE `error` event.
func errEventPayload(err error) errorBody {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body := errorBody{Error: appErr.Message}
		if appErr.Err != nil {
			body.Detail = appErr.Err.Error()
		}
		return body
	}
	return errorBody{Error: err.Error()}
}
