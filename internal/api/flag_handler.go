package api

import (
	"context"
	"net/http"

	"rollgate/internal/dto/req"
	"rollgate/internal/dto/resp"
	"rollgate/internal/model"
	"rollgate/internal/repository"
	"rollgate/internal/service"
	v1 "rollgate/pkg/api/v1"

	"github.com/gin-gonic/gin"
)

type FlagProvider interface {
	GetFlag(ctx context.Context, namespace, key string) (*v1.FlagConfig, error)
	ListFlags(ctx context.Context, namespace string) ([]*v1.FlagConfig, error)
	PutFlag(ctx context.Context, cfg *v1.FlagConfig) (*v1.FlagConfig, error)
	ListOverrides(ctx context.Context, namespace, key string) ([]v1.OverrideEntry, error)
	PutOverride(ctx context.Context, entry v1.OverrideEntry) (*v1.OverrideEntry, error)
	RemoveOverride(ctx context.Context, namespace, key string, scope v1.OverrideScope) error
	Audits(ctx context.Context, namespace, key string) ([]model.FlagAudit, error)
	Evaluate(ctx context.Context, r service.EvaluateRequest) service.EvaluateResponse
	Health(ctx context.Context, etcd *repository.EtcdFlagRepository) error
}

type FlagHandler struct {
	service FlagProvider
	etcd    *repository.EtcdFlagRepository
}

// NewFlagHandler serves flag CRUD, overrides and evaluation. etcd may be nil
// when changes are not mirrored.
func NewFlagHandler(service FlagProvider, etcd *repository.EtcdFlagRepository) *FlagHandler {
	return &FlagHandler{
		service: service,
		etcd:    etcd,
	}
}

func (h *FlagHandler) ListFlags(c *gin.Context) {
	var r req.ListFlagsRequest
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	flags, err := h.service.ListFlags(c.Request.Context(), r.Namespace)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.ListFlagsResponse{Data: flags})
}

func (h *FlagHandler) GetFlag(c *gin.Context) {
	var uri req.FlagURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	flag, err := h.service.GetFlag(c.Request.Context(), uri.Namespace, uri.Key)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, flag)
}

// PutFlag writes the whole config. A rollout percent set here is not recorded
// as a step.
func (h *FlagHandler) PutFlag(c *gin.Context) {
	var uri req.FlagURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	var cfg v1.FlagConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}
	cfg.Namespace, cfg.Key = uri.Namespace, uri.Key

	saved, err := h.service.PutFlag(c.Request.Context(), &cfg)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.PutFlagResponse{Version: saved.Version, UpdatedAt: saved.UpdatedAt})
}

func (h *FlagHandler) ListOverrides(c *gin.Context) {
	var uri req.FlagURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	entries, err := h.service.ListOverrides(c.Request.Context(), uri.Namespace, uri.Key)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *FlagHandler) PutOverride(c *gin.Context) {
	var uri req.FlagURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	var r req.PutOverrideRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	saved, err := h.service.PutOverride(c.Request.Context(), v1.OverrideEntry{
		Namespace: uri.Namespace,
		Flag:      uri.Key,
		Scope:     r.Scope,
		Value:     r.Value,
		Reason:    r.Reason,
		ExpiresAt: r.ExpiresAt,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *FlagHandler) RemoveOverride(c *gin.Context) {
	var uri req.FlagURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	var r req.RemoveOverrideRequest
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope is required"})
		return
	}
	if err := h.service.RemoveOverride(c.Request.Context(), uri.Namespace, uri.Key, r.ToScope()); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *FlagHandler) GetFlagAudits(c *gin.Context) {
	var uri req.FlagURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	audits, err := h.service.Audits(c.Request.Context(), uri.Namespace, uri.Key)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.NewAuditLogItems(audits))
}

// Evaluate never fails on missing flags; unknown keys come back with reason default.
func (h *FlagHandler) Evaluate(c *gin.Context) {
	var r service.EvaluateRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}
	if r.Namespace == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "namespace is required"})
		return
	}
	c.JSON(http.StatusOK, h.service.Evaluate(c.Request.Context(), r))
}

func (h *FlagHandler) HealthCheck(c *gin.Context) {
	if err := h.service.Health(c.Request.Context(), h.etcd); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
