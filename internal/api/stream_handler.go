package api

import (
	"context"
	"io"
	"net/http"
	"strings"

	"rollgate/internal/dto/req"
	"rollgate/internal/dto/resp"
	"rollgate/internal/service"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StreamProvider interface {
	Snapshot(namespaces map[string]bool) v1.Snapshot
	Since(rev int64, namespaces map[string]bool) ([]v1.Message, bool)
}

type Subscriber interface {
	Subscribe(c *service.Client) bool
	Unsubscribe(c *service.Client)
}

type StreamHandler struct {
	service StreamProvider
	hub     Subscriber
}

func NewStreamHandler(service StreamProvider, hub Subscriber) *StreamHandler {
	return &StreamHandler{
		service: service,
		hub:     hub,
	}
}

// parseNamespaces reads a comma separated list; empty selects everything.
func parseNamespaces(raw string) map[string]bool {
	out := make(map[string]bool)
	for p := range strings.SplitSeq(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = true
		}
	}
	if len(out) == 0 {
		out["*"] = true
	}
	return out
}

func (h *StreamHandler) FetchAll(c *gin.Context) {
	var r req.WatchRequest
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	c.JSON(http.StatusOK, resp.NewSnapshotResponse(h.service.Snapshot(parseNamespaces(r.Namespace))))
}

// Watch replays buffered changes after rev, then follows the hub. A client
// whose rev fell out of the buffer gets a reset event and must refetch the
// snapshot.
func (h *StreamHandler) Watch(c *gin.Context) {
	var r req.WatchRequest
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	namespaces := parseNamespaces(r.Namespace)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	client := &service.Client{
		Send:       make(chan v1.Message, 128),
		Namespaces: namespaces,
	}
	if !h.hub.Subscribe(client) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream closed"})
		return
	}
	defer h.hub.Unsubscribe(client)

	logger.Info("stream client connected",
		zap.String("namespaces", r.Namespace),
		zap.Int64("rev", r.Rev),
		zap.String("ip", c.ClientIP()),
	)

	maxSentRev := r.Rev
	if r.Rev > 0 {
		messages, ok := h.service.Since(r.Rev, namespaces)
		if ok {
			for _, msg := range messages {
				c.SSEvent("message", msg)
				maxSentRev = msg.Revision
			}
		} else {
			c.SSEvent("reset", "revision_too_old")
		}
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		return h.forward(ctx, c, client, &maxSentRev)
	})
}

func (h *StreamHandler) forward(ctx context.Context, c *gin.Context, client *service.Client, maxSentRev *int64) bool {
	select {
	case msg, ok := <-client.Send:
		if !ok {
			return false
		}
		if msg.Kind == constraints.KindPing {
			c.SSEvent("ping", "pong")
			return true
		}
		// already replayed from the buffer
		if msg.Revision <= *maxSentRev {
			return true
		}
		c.SSEvent("message", msg)
		*maxSentRev = msg.Revision
		return true
	case <-ctx.Done():
		return false
	}
}
