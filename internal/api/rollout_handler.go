package api

import (
	"context"
	"net/http"

	"rollgate/internal/dto/req"
	"rollgate/internal/dto/resp"
	"rollgate/internal/eval"
	"rollgate/internal/service"
	"rollgate/internal/vitals"

	"github.com/gin-gonic/gin"
)

type RolloutProvider interface {
	Step(ctx context.Context, namespace, key string, r service.StepRequest) (*service.StepResult, error)
}

type PreviewProvider interface {
	Preview(ctx context.Context, namespace, key string, samples []eval.Sample, pct float64, keep int) (*eval.PreviewReport, error)
}

type RolloutHandler struct {
	rollout RolloutProvider
	preview PreviewProvider
	metrics vitals.Provider
}

func NewRolloutHandler(rollout RolloutProvider, preview PreviewProvider, metrics vitals.Provider) *RolloutHandler {
	if metrics == nil {
		metrics = vitals.NoData{}
	}
	return &RolloutHandler{
		rollout: rollout,
		preview: preview,
		metrics: metrics,
	}
}

// Step answers 200 for a committed or dry-run step, and the block status
// (409 or 412) when a real step is held.
func (h *RolloutHandler) Step(c *gin.Context) {
	var uri req.FlagURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	var r service.StepRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.rollout.Step(c.Request.Context(), uri.Namespace, uri.Key, r)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if res.Blocked != nil && !res.DryRun {
		c.JSON(res.Blocked.HTTPStatus(), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *RolloutHandler) Preview(c *gin.Context) {
	var uri req.FlagURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	var r req.PreviewRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pct is required"})
		return
	}
	rep, err := h.preview.Preview(c.Request.Context(), uri.Namespace, uri.Key, r.Samples, *r.Pct, r.Keep)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Summary reports the windowed metrics per snapshot id; snapshot narrows it
// to one.
func (h *RolloutHandler) Summary(c *gin.Context) {
	var r req.SummaryRequest
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	sums, err := h.metrics.Summarize(c.Request.Context(), r.Snapshot)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.NewSummaryResponse(sums))
}
