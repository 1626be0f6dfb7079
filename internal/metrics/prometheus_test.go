package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var _ Observer = Nop{}

func TestPrometheusObserver(t *testing.T) {
	obs := NewPrometheusObserver()

	obs.IncOnline()
	obs.DecOnline()
	obs.RecordPush()
	obs.ObservePushLatency(0.001)
	obs.UpdateEventLag(3)
	obs.ObserveScan("vitals", 10, 1, time.Millisecond)
	obs.ObservePurge("vitals", 2)
	obs.TelemetryDropped()

	before := testutil.ToFloat64(evaluations.WithLabelValues("killSwitch"))
	obs.ObserveEvaluation("killSwitch")
	assert.Equal(t, before+1, testutil.ToFloat64(evaluations.WithLabelValues("killSwitch")))

	before = testutil.ToFloat64(lockAcquires.WithLabelValues("memory", "contended"))
	obs.ObserveLock("memory", false, true)
	assert.Equal(t, before+1, testutil.ToFloat64(lockAcquires.WithLabelValues("memory", "contended")))

	obs.ObserveHTTP("/api/v1/flags/:ns/:key", "PUT", 200, 3*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(httpDuration, "rollgate_http_request_duration_seconds"))

	obs.ObserveRolloutStep("blocked", "min_samples")
	assert.GreaterOrEqual(t, testutil.ToFloat64(rolloutSteps.WithLabelValues("blocked", "min_samples")), 1.0)
}

func TestHandler(t *testing.T) {
	NewPrometheusObserver().RecordPush()
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "rollgate_push_total"))
}
