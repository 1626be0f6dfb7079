package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rollgate/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type httpObservation struct {
	route, method string
	status        int
}

type recordingObserver struct {
	metrics.Nop
	seen []httpObservation
}

func (r *recordingObserver) ObserveHTTP(route, method string, status int, _ time.Duration) {
	r.seen = append(r.seen, httpObservation{route, method, status})
}

func TestHttpMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	obs := &recordingObserver{}
	r := gin.New()
	r.Use(HttpMiddleware(obs, "/stream"))
	r.GET("/flags/:ns/:key", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})
	r.GET("/stream", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for _, path := range []string{"/flags/shop/checkout", "/stream", "/nope"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, path, nil)
		r.ServeHTTP(w, req)
	}

	assert.Equal(t, []httpObservation{
		{"/flags/:ns/:key", http.MethodGet, http.StatusNotFound},
		{"unmatched", http.MethodGet, http.StatusNotFound},
	}, obs.seen)
}
