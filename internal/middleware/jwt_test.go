package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rollgate/internal/repository"
	"rollgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func operatorRouter(devMode bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceMiddleware(), JWTMiddleware(testSecret, devMode))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"operator": service.GetOperator(c.Request.Context()),
			"trace":    repository.TraceIDFrom(c.Request.Context()),
		})
	})
	return r
}

func TestJWTMiddleware(t *testing.T) {
	token, err := IssueToken(testSecret, service.OperatorInfo{UserID: "42", Name: "alice", Role: "admin"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		devMode bool
		header  map[string]string
		query   string
		code    int
	}{
		{name: "bearer", header: map[string]string{"Authorization": "Bearer " + token}, code: http.StatusOK},
		{name: "query token", query: "?token=" + token, code: http.StatusOK},
		{name: "missing", code: http.StatusUnauthorized},
		{name: "garbage", header: map[string]string{"Authorization": "Bearer nope"}, code: http.StatusUnauthorized},
		{name: "dev pass off", header: map[string]string{"X-Dev-Pass": "true"}, code: http.StatusUnauthorized},
		{name: "dev pass on", devMode: true, header: map[string]string{"X-Dev-Pass": "true"}, code: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami"+tt.query, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			operatorRouter(tt.devMode).ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestJWTMiddleware_RejectsWrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("other"), service.OperatorInfo{UserID: "1", Name: "mallory"}, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	operatorRouter(false).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTraceMiddleware_PropagatesHeader(t *testing.T) {
	token, err := IssueToken(testSecret, service.OperatorInfo{UserID: "42", Name: "alice"}, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Trace-ID", "trace-123")
	operatorRouter(false).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-123", w.Header().Get("X-Trace-ID"))
	assert.JSONEq(t, `{"operator":"alice","trace":"trace-123"}`, w.Body.String())
}
