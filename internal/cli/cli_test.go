package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rollgate/internal/lock"
	"rollgate/internal/privacy"
	"rollgate/internal/repository"
	v1 "rollgate/pkg/api/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	dir   string
	store string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	return &env{dir: dir, store: filepath.Join(dir, "flags.json")}
}

func (e *env) path(name string) string { return filepath.Join(e.dir, name) }

func (e *env) seed(t *testing.T, pct float64) {
	t.Helper()
	s, err := repository.OpenFileStore(e.store, lock.NewMemory())
	require.NoError(t, err)
	require.NoError(t, s.PutFlag(context.Background(), &v1.FlagConfig{
		Key:          "checkout",
		Namespace:    "shop",
		DefaultValue: v1.Bool(false),
		Enabled:      true,
		Rollout:      &v1.RolloutPlan{Percent: pct, Salt: "s1"},
		Version:      1,
	}))
}

func (e *env) stored(t *testing.T) *v1.FlagConfig {
	t.Helper()
	s, err := repository.OpenFileStore(e.store, lock.NewMemory())
	require.NoError(t, err)
	cfg, err := s.GetFlag(context.Background(), "shop", "checkout")
	require.NoError(t, err)
	return cfg
}

func (e *env) write(t *testing.T, name string, lines ...string) string {
	t.Helper()
	p := e.path(name)
	require.NoError(t, os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return p
}

// traffic appends n fresh vitals samples for the checkout snapshot.
func (e *env) traffic(t *testing.T, n int) {
	t.Helper()
	now := time.Now().UnixMilli()
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"ts":%d,"snap":"shop:checkout=on","metric":"LCP","value":1800}`, now)
	}
	e.write(t, "vitals.ndjson", lines...)
}

// run executes rolloutctl with the env's files and returns stdout.
func (e *env) run(args ...string) (string, error) {
	base := []string{
		"--store", e.store,
		"--vitals", e.path("vitals.ndjson"),
		"--errors", e.path("errors.ndjson"),
		"--telemetry", e.path("telemetry.ndjson"),
		"--erasure-log", e.path("erasure.ndjson"),
	}
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, base...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m), out)
	return m
}

func TestStep_AdvancesAndPersists(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 0)
	e.traffic(t, 3)

	out, err := e.run("step", "shop", "checkout", "--pct", "10", "--note", "first", "--format", "json")
	require.NoError(t, err)
	m := decode(t, out)
	assert.Equal(t, "ok", m["status"])
	data := m["data"].(map[string]any)
	assert.Equal(t, "shop", data["namespace"])
	assert.Equal(t, 10.0, data["rollout"].(map[string]any)["currentPct"])

	cfg := e.stored(t)
	assert.Equal(t, 10.0, cfg.Rollout.Percent)
	require.Len(t, cfg.Rollout.Steps, 1)
	assert.Equal(t, "first", cfg.Rollout.Steps[0].Note)
	assert.Equal(t, int64(2), cfg.Version)
}

func TestStep_HeldExitsWithFailure(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 0)
	e.traffic(t, 2)

	out, err := e.run("step", "shop", "checkout", "--pct", "10", "--min-samples", "5", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	m := decode(t, out)
	assert.Equal(t, "held", m["status"])
	assert.Equal(t, "min_samples", m["data"].(map[string]any)["reason"])
	assert.Equal(t, 0.0, e.stored(t).Rollout.Percent)
}

func TestStep_WithoutMetricsIsHeld(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 0)

	out, err := e.run("step", "shop", "checkout", "--pct", "10", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	m := decode(t, out)
	assert.Equal(t, "held", m["status"])
	assert.Equal(t, "metrics_unavailable", m["data"].(map[string]any)["reason"])
	assert.Equal(t, 0.0, e.stored(t).Rollout.Percent)

	_, err = e.run("step", "shop", "checkout", "--pct", "10", "--allow-missing-metrics")
	require.NoError(t, err)
	assert.Equal(t, 10.0, e.stored(t).Rollout.Percent)
}

func TestStep_DryRunHeldIsSuccess(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 0)

	out, err := e.run("step", "shop", "checkout", "--pct", "10", "--min-samples", "5", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "held: ")
	assert.Equal(t, 0.0, e.stored(t).Rollout.Percent)
}

func TestStep_Errors(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 0)

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"missing args", []string{"step", "--pct", "10"}, ErrCodeGeneric},
		{"missing pct", []string{"step", "shop", "checkout"}, ErrCodeGeneric},
		{"unknown flag", []string{"step", "shop", "nope", "--pct", "10"}, ErrCodeNotFound},
		{"out of range", []string{"step", "shop", "checkout", "--pct", "120"}, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.run(append(tt.args, "--format", "json")...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			m := decode(t, out)
			assert.Equal(t, "error", m["status"])
			assert.Equal(t, tt.code, m["error"].(map[string]any)["code"])
		})
	}
}

func TestStep_PolicyPicksNextStep(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 5)
	e.traffic(t, 3)
	policy := e.write(t, "policy.yaml",
		"namespace: shop",
		"flag: checkout",
		"steps: [5, 25, 50]",
		"shadow: false",
	)

	out, err := e.run("step", "--policy", policy)
	require.NoError(t, err)
	assert.Contains(t, out, "5% -> 25%")
	assert.Equal(t, 25.0, e.stored(t).Rollout.Percent)

	_, err = e.run("step", "--policy", policy)
	require.NoError(t, err)
	out, err = e.run("step", "--policy", policy)
	require.NoError(t, err)
	assert.Contains(t, out, "already at the last policy step")
	assert.Equal(t, 50.0, e.stored(t).Rollout.Percent)
}

func TestLoadPolicy(t *testing.T) {
	e := newEnv(t)

	p, err := LoadPolicy(e.write(t, "obj.yaml",
		"namespace: shop",
		"flag: checkout",
		"steps: [1, 10]",
		"minSamples: 200",
		"stop: {maxErrorRate: 0.01}",
		"shadow: {pct: 3, seedBy: anonId}",
	))
	require.NoError(t, err)
	req := p.Request(10)
	assert.Equal(t, "shop", req.Namespace)
	assert.Equal(t, 200, *req.MinSamples)
	assert.Equal(t, 0.01, *req.Stop.MaxErrorRate)
	require.NotNil(t, req.Shadow)
	assert.Nil(t, req.Shadow.Enabled)
	assert.Equal(t, 3.0, req.Shadow.Pct)
	assert.EqualValues(t, "anonId", req.Shadow.SeedBy)

	p, err = LoadPolicy(e.write(t, "bool.yaml", "namespace: shop", "flag: checkout", "steps: [1]", "shadow: true"))
	require.NoError(t, err)
	require.NotNil(t, p.Shadow.Enabled)
	assert.True(t, *p.Shadow.Enabled)

	_, err = LoadPolicy(e.write(t, "bad.yaml", "namespace: shop", "flag: checkout", "steps: [10, 5, 150]"))
	var ve *v1.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Issues, 2)

	_, err = LoadPolicy(e.write(t, "shadow.yaml", "namespace: shop", "flag: checkout", "steps: [1]", "shadow: [1, 2]"))
	assert.Error(t, err)
}

func TestPreview_SyntheticUsers(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 0)

	out, err := e.run("preview", "shop", "checkout", "--pct", "50", "--users", "2000", "--keep", "3", "--format", "json")
	require.NoError(t, err)
	data := decode(t, out)["data"].(map[string]any)
	assert.Equal(t, 2000.0, data["total"])
	exposed := data["exposed"].(float64)
	assert.InDelta(t, 1000, exposed, 150)
	assert.Len(t, data["samples"], 3)
	assert.Equal(t, 0.0, e.stored(t).Rollout.Percent)
}

func TestPreview_SamplesFile(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 0)
	samples := e.write(t, "samples.ndjson",
		`{"seeds":{"userId":"u-1"},"context":{"tenant":"acme"}}`,
		`not json`,
		`{"seeds":{"userId":"u-2"}}`,
	)

	out, err := e.run("preview", "shop", "checkout", "--pct", "100", "--samples", samples)
	require.NoError(t, err)
	assert.Contains(t, out, "2/2 exposed")
	assert.Contains(t, out, "globalRollout")
}

func TestSummary(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UnixMilli()
	e.write(t, "vitals.ndjson",
		fmt.Sprintf(`{"ts":%d,"snap":"shop:checkout=on","metric":"CLS","value":0.1}`, now),
		fmt.Sprintf(`{"ts":%d,"snap":"shop:checkout=on","metric":"INP","value":180}`, now),
		fmt.Sprintf(`{"ts":%d,"snap":"other","metric":"CLS","value":0.3}`, now),
	)
	e.write(t, "errors.ndjson", fmt.Sprintf(`{"ts":%d,"snap":"shop:checkout=on"}`, now))

	out, err := e.run("summary", "--snapshot", "shop:checkout=on", "--format", "json")
	require.NoError(t, err)
	items := decode(t, out)["data"].(map[string]any)["data"].([]any)
	require.Len(t, items, 1)
	it := items[0].(map[string]any)
	assert.Equal(t, 2.0, it["sampleCount"])
	assert.Equal(t, 1.0, it["errorCount"])
	assert.Equal(t, 0.5, it["errorRate"])

	out, err = e.run("summary")
	require.NoError(t, err)
	assert.Contains(t, out, "SNAPSHOT")
	assert.Contains(t, out, "other")
}

func TestErase(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 0)
	s, err := repository.OpenFileStore(e.store, lock.NewMemory())
	require.NoError(t, err)
	require.NoError(t, s.PutOverride(context.Background(), v1.OverrideEntry{
		Namespace: "shop", Flag: "checkout", Scope: v1.UserScope("u-1"), Value: v1.Bool(true), Author: "ops",
	}))
	vitalsPath := e.write(t, "vitals.ndjson",
		`{"ts":1,"userId":"u-1","metric":"CLS","value":0.1}`,
		`{"ts":2,"userId":"u-2","metric":"CLS","value":0.2}`,
	)

	out, err := e.run("erase", "--user-id", "u-1", "--note", "ticket 9", "--format", "json")
	require.NoError(t, err)
	data := decode(t, out)["data"].(map[string]any)
	assert.Equal(t, 1.0, data["removedOverrides"])
	assert.Equal(t, "ops", data["record"].(map[string]any)["source"])

	b, err := os.ReadFile(vitalsPath)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "u-1")
	assert.Contains(t, string(b), "u-2")

	recs, err := os.ReadFile(e.path("erasure.ndjson"))
	require.NoError(t, err)
	assert.Contains(t, string(recs), "ticket 9")
}

func TestErase_RequiresIdentifier(t *testing.T) {
	e := newEnv(t)
	out, err := e.run("erase", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeValidation, decode(t, out)["error"].(map[string]any)["code"])
}

func TestRotate(t *testing.T) {
	e := newEnv(t)
	_, err := e.run("rotate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	e.write(t, "vitals.ndjson", `{"ts":1}`, `{"ts":2}`)
	out, err := e.run("rotate", "--max-bytes", "1", "--format", "json")
	require.NoError(t, err)
	results := decode(t, out)["data"].(map[string]any)["results"].([]any)
	require.Len(t, results, 3)
	first := results[0].(map[string]any)
	assert.Equal(t, true, first["rotated"])
	assert.NotEmpty(t, first["chunk"])
	assert.Equal(t, false, results[1].(map[string]any)["rotated"])

	st, err := os.Stat(e.path("vitals.ndjson"))
	require.NoError(t, err)
	assert.Zero(t, st.Size())
}

func TestCompact_DropsErasedLines(t *testing.T) {
	e := newEnv(t)
	e.write(t, "vitals.ndjson",
		`{"ts":1,"sid":"s-gone"}`,
		`{"ts":2,"sid":"s-kept"}`,
	)
	_, err := privacy.NewLog(e.path("erasure.ndjson")).Append(context.Background(), privacy.Identifiers{SID: "s-gone"}, privacy.SourceSelf, "")
	require.NoError(t, err)

	out, err := e.run("compact", "--format", "json")
	require.NoError(t, err)
	results := decode(t, out)["data"].(map[string]any)["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, "vitals", results[0].(map[string]any)["target"])
	assert.Equal(t, 1.0, results[0].(map[string]any)["activeDropped"])

	b, err := os.ReadFile(e.path("vitals.ndjson"))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "s-gone")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("unknown flag")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitFailure, "held"))))
}

func TestRootCommand_RejectsFormat(t *testing.T) {
	e := newEnv(t)
	_, err := e.run("summary", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
