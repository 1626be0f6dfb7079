package telemetry

import (
	"context"
	"path/filepath"
	"testing"

	"rollgate/internal/ndjson"
	"rollgate/internal/privacy"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
}

type dropCounter struct{ n int }

func (d *dropCounter) TelemetryDropped() { d.n++ }

func TestFileSink_WritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.ndjson")
	sink := NewFileSink(path, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx)

	sink.Emit(Event{Type: EventExposure, TS: 1, Namespace: "web", Flag: "checkout", Value: v1.Bool(true), Reason: constraints.ReasonGlobalRollout, SID: "s1"})
	sink.Emit(Event{Type: EventExposure, TS: 2, Namespace: "web", Flag: "checkout", Value: v1.Bool(false), Reason: constraints.ReasonDefault, UserID: "u2"})
	cancel()
	sink.Wait()

	var lines [][]byte
	require.NoError(t, ndjson.Each(context.Background(), path, func(line []byte) error {
		lines = append(lines, append([]byte(nil), line...))
		return nil
	}))
	require.Len(t, lines, 2)

	// erasure sees the same identifiers
	c, ok := privacy.ParseCandidate(lines[1])
	require.True(t, ok)
	assert.Equal(t, "u2", c.UserID)
	assert.True(t, privacy.NewIndex(privacy.Identifiers{SID: "s1"}).LineErased(lines[0]))
}

func TestFileSink_DropsWhenFull(t *testing.T) {
	obs := &dropCounter{}
	sink := NewFileSink(filepath.Join(t.TempDir(), "t.ndjson"), 1, obs)

	// no writer running: the second event has nowhere to go
	sink.Emit(Event{Type: EventExposure})
	sink.Emit(Event{Type: EventExposure})
	assert.Equal(t, int64(1), sink.Dropped())
	assert.Equal(t, 1, obs.n)
}

func TestDiscard(t *testing.T) {
	var s Sink = Discard{}
	s.Emit(Event{})
}
