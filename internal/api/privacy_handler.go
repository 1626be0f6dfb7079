package api

import (
	"context"
	"net/http"

	"rollgate/internal/dto/req"
	"rollgate/internal/dto/resp"
	"rollgate/internal/privacy"
	"rollgate/internal/service"

	"github.com/gin-gonic/gin"
)

type ErasureProvider interface {
	Erase(ctx context.Context, ids privacy.Identifiers, source privacy.Source, note string) (*service.EraseResult, error)
}

type PrivacyHandler struct {
	service ErasureProvider
}

func NewPrivacyHandler(service ErasureProvider) *PrivacyHandler {
	return &PrivacyHandler{service: service}
}

func (h *PrivacyHandler) Erase(c *gin.Context) {
	var r req.EraseRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}
	source := r.Source
	if source == "" {
		source = privacy.SourceAdmin
	}
	res, err := h.service.Erase(c.Request.Context(), r.Identifiers, source, r.Note)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.EraseResponse{
		At:               res.Record.At,
		Purged:           res.Purged,
		RemovedOverrides: res.RemovedOverrides,
	})
}
