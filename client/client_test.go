package client

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
}

func boolFlag(pct float64) *v1.FlagConfig {
	return &v1.FlagConfig{
		Key:          "checkout",
		Namespace:    "shop",
		DefaultValue: v1.Bool(false),
		Enabled:      true,
		Rollout:      &v1.RolloutPlan{Percent: pct, Salt: "s1"},
		Version:      1,
	}
}

func TestHandleUpdate(t *testing.T) {
	c := New("http://unused", nil)
	entry := v1.OverrideEntry{Namespace: "shop", Flag: "checkout", Scope: v1.UserScope("u1"), Value: v1.Bool(true)}

	steps := []struct {
		name      string
		msg       v1.Message
		flags     int
		overrides int
		rev       int64
	}{
		{
			name:  "flag put",
			msg:   v1.Message{Kind: constraints.KindFlag, Namespace: "shop", Key: "checkout", Revision: 1, Action: constraints.PUT, Flag: boolFlag(10)},
			flags: 1, rev: 1,
		},
		{
			name:  "stale revision ignored",
			msg:   v1.Message{Kind: constraints.KindFlag, Namespace: "shop", Key: "other", Revision: 1, Action: constraints.PUT, Flag: boolFlag(10)},
			flags: 1, rev: 1,
		},
		{
			name:  "override put",
			msg:   v1.Message{Kind: constraints.KindOverride, Namespace: "shop", Key: "checkout", Revision: 2, Action: constraints.PUT, Override: &entry},
			flags: 1, overrides: 1, rev: 2,
		},
		{
			name:  "override delete",
			msg:   v1.Message{Kind: constraints.KindOverride, Namespace: "shop", Key: "checkout", Revision: 3, Action: constraints.DELETE, Override: &entry},
			flags: 1, rev: 3,
		},
		{
			name: "flag delete",
			msg:  v1.Message{Kind: constraints.KindFlag, Namespace: "shop", Key: "checkout", Revision: 4, Action: constraints.DELETE},
			rev:  4,
		},
	}

	for _, st := range steps {
		c.handleUpdate(st.msg)
		if len(c.flags) != st.flags || len(c.overrides) != st.overrides || c.Revision() != st.rev {
			t.Fatalf("%s: flags=%d overrides=%d rev=%d, want %d/%d/%d",
				st.name, len(c.flags), len(c.overrides), c.Revision(), st.flags, st.overrides, st.rev)
		}
	}
}

func TestEvaluate_Overrides(t *testing.T) {
	c := New("http://unused", nil)
	c.handleUpdate(v1.Message{Kind: constraints.KindFlag, Namespace: "shop", Key: "checkout", Revision: 1, Flag: boolFlag(0)})
	c.handleUpdate(v1.Message{Kind: constraints.KindOverride, Namespace: "shop", Key: "checkout", Revision: 2,
		Override: &v1.OverrideEntry{Namespace: "shop", Flag: "checkout", Scope: v1.UserScope("u1"), Value: v1.Bool(true)}})

	assert.True(t, c.IsEnabled("shop", "checkout", v1.Seeds{UserID: "u1"}, v1.Context{}))
	assert.False(t, c.IsEnabled("shop", "checkout", v1.Seeds{UserID: "u2"}, v1.Context{}))

	res, ok := c.Evaluate("shop", "checkout", v1.Seeds{UserID: "u1"}, v1.Context{})
	require.True(t, ok)
	assert.Equal(t, constraints.ReasonUserOverride, res.Reason)

	_, ok = c.Evaluate("shop", "missing", v1.Seeds{}, v1.Context{})
	assert.False(t, ok)
	assert.Equal(t, "fallback", c.GetString("shop", "checkout", "fallback", v1.Seeds{}, v1.Context{}))
	assert.Equal(t, 7.0, c.GetNumber("shop", "missing", 7, v1.Seeds{}, v1.Context{}))
}

func TestRolloutDistribution(t *testing.T) {
	c := New("http://unused", nil)
	sampleSize := 10000

	for i, pct := range []float64{10, 30, 50, 80} {
		t.Run(fmt.Sprintf("Rollout %g%%", pct), func(t *testing.T) {
			c.handleUpdate(v1.Message{Kind: constraints.KindFlag, Namespace: "shop", Key: "checkout", Revision: int64(i + 1), Flag: boolFlag(pct)})
			matches := 0
			for u := 0; u < sampleSize; u++ {
				if c.IsEnabled("shop", "checkout", v1.Seeds{UserID: fmt.Sprintf("user-%d", u)}, v1.Context{}) {
					matches++
				}
			}
			percentage := float64(matches) / float64(sampleSize) * 100
			t.Logf("Distribution for %g%% rollout: %.2f%%", pct, percentage)
			if math.Abs(percentage-pct) > 2.5 {
				t.Errorf("bucket distribution poor: got %.2f%%, want ~%g%% (+/- 2.5%%)", percentage, pct)
			}
		})
	}
}

func writeEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event:%s\ndata:%s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func snapshotBody(t *testing.T, rev int64, flags ...*v1.FlagConfig) []byte {
	t.Helper()
	data := make([]v1.FlagConfig, 0, len(flags))
	for _, f := range flags {
		data = append(data, *f)
	}
	b, err := json.Marshal(map[string]any{"data": data, "overrides": []v1.OverrideEntry{}, "revision": rev})
	require.NoError(t, err)
	return b
}

func TestClient_FollowsStream(t *testing.T) {
	var gotRev, gotNS, gotAuth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/stream/snapshot", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Write(snapshotBody(t, 1, boolFlag(0)))
	})
	mux.HandleFunc("/api/v1/stream/watch", func(w http.ResponseWriter, r *http.Request) {
		gotRev.Store(r.URL.Query().Get("rev"))
		gotNS.Store(r.URL.Query().Get("namespace"))
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "ping", "pong")
		msg := v1.Message{Kind: constraints.KindFlag, Namespace: "shop", Key: "checkout", Version: 2, Revision: 2, Action: constraints.PUT, Flag: boolFlag(100)}
		writeEvent(w, "message", msg.ToJSON())
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, []string{"shop", "web"}, WithToken("tok"))
	require.NoError(t, c.Start())
	defer c.Close()

	assert.False(t, c.IsEnabled("shop", "checkout", v1.Seeds{UserID: "u1"}, v1.Context{}))
	assert.Eventually(t, func() bool { return c.Revision() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsEnabled("shop", "checkout", v1.Seeds{UserID: "u1"}, v1.Context{}))
	assert.Equal(t, "1", gotRev.Load())
	assert.Equal(t, "shop,web", gotNS.Load())
	assert.Equal(t, "Bearer tok", gotAuth.Load())
}

func TestClient_ResetRefetchesSnapshot(t *testing.T) {
	var snapshots, watches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/stream/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if snapshots.Add(1) == 1 {
			w.Write(snapshotBody(t, 1, boolFlag(0)))
			return
		}
		w.Write(snapshotBody(t, 9, boolFlag(100)))
	})
	mux.HandleFunc("/api/v1/stream/watch", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if watches.Add(1) == 1 {
			writeEvent(w, "reset", "revision_too_old")
			return
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, nil)
	require.NoError(t, c.Start())
	defer c.Close()

	assert.Eventually(t, func() bool { return c.Revision() == 9 && watches.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsEnabled("shop", "checkout", v1.Seeds{UserID: "u1"}, v1.Context{}))
	assert.Equal(t, int32(2), snapshots.Load())
}

func TestClient_StartFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	assert.Error(t, c.Start())
	c.Close()
}
