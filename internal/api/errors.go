package api

import (
	"context"
	"errors"
	"net/http"

	"rollgate/internal/lock"
	"rollgate/internal/repository"
	"rollgate/internal/service"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusOf maps core errors onto HTTP status codes.
func statusOf(err error) int {
	var ve *v1.ValidationError
	var blk *service.Block
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, service.ErrVersionConflict):
		return http.StatusConflict
	case errors.As(err, &blk):
		return blk.HTTPStatus()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	code := statusOf(err)
	body := gin.H{"error": err.Error()}

	var ve *v1.ValidationError
	if errors.As(err, &ve) {
		body["issues"] = ve.Issues
	}
	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", c.GetString("TraceID")),
			zap.Error(err))
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(code, body)
}
