package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rollgate/internal/metrics"
	"rollgate/internal/privacy"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Fields(strings.TrimSpace(string(b)))
}

func TestPrivacyService_Erase(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	vitalsPath := filepath.Join(dir, "vitals.ndjson")
	errorsPath := filepath.Join(dir, "errors.ndjson")
	writeLines(t, vitalsPath,
		`{"ts":1,"userId":"u1","metric":"INP","value":100}`,
		`{"ts":2,"sid":"s2","metric":"INP","value":90}`,
	)
	writeLines(t, filepath.Join(dir, "vitals-20231114.ndjson"),
		`{"ts":0,"userId":"u1","metric":"CLS","value":0.1}`,
	)
	writeLines(t, errorsPath, `{"ts":3,"sid":"s2","message":"boom"}`)

	f.seed(t, baseFlag(0))
	_, err := f.flags.PutOverride(context.Background(), v1.OverrideEntry{Namespace: testNS, Flag: testKey, Scope: v1.UserScope("u1"), Value: v1.Bool(true)})
	require.NoError(t, err)
	_, err = f.flags.PutOverride(context.Background(), v1.OverrideEntry{Namespace: testNS, Flag: testKey, Scope: v1.UserScope("u2"), Value: v1.Bool(true)})
	require.NoError(t, err)

	erasure := privacy.NewLog(filepath.Join(dir, "erasure.ndjson"))
	svc := NewPrivacyService(Deps{Store: f.store, Audit: f.audit, Feed: f.feed, Now: f.clock}, erasure, []privacy.Target{
		{Name: "vitals", Path: vitalsPath},
		{Name: "errors", Path: errorsPath},
	}, 0)

	res, err := svc.Erase(context.Background(), privacy.Identifiers{UserID: "u1"}, privacy.SourceSelf, "")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.Record.UserID)
	assert.Equal(t, 1, res.RemovedOverrides)
	removed := 0
	for _, p := range res.Purged {
		removed += p.Removed
	}
	assert.Equal(t, 2, removed)

	assert.Len(t, readLines(t, vitalsPath), 1)
	chunk, err := os.ReadFile(filepath.Join(dir, "vitals-20231114.ndjson"))
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(chunk)))
	assert.Len(t, readLines(t, errorsPath), 1)

	overrides, err := f.store.ListOverrides(context.Background(), testNS, testKey)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, "u2", overrides[0].Scope.ID)
	assert.Len(t, f.feed.Cache().Overrides(testNS, testKey), 1)

	idx, err := erasure.Index(context.Background())
	require.NoError(t, err)
	assert.True(t, idx.HasAny())

	audits, err := f.audit.ListByKey(context.Background(), testNS, testKey)
	require.NoError(t, err)
	assert.Equal(t, string(constraints.AuditPrivacyErase), audits[0].Action)

	// a second erasure finds nothing more to remove
	res, err = svc.Erase(context.Background(), privacy.Identifiers{UserID: "u1"}, privacy.SourceSelf, "")
	require.NoError(t, err)
	for _, p := range res.Purged {
		assert.Zero(t, p.Removed)
	}
	assert.Zero(t, res.RemovedOverrides)
}

func TestPrivacyService_EraseRequiresIdentifiers(t *testing.T) {
	f := newFixture(t)
	svc := NewPrivacyService(Deps{Store: f.store}, privacy.NewLog(filepath.Join(t.TempDir(), "erasure.ndjson")), nil, 0)
	_, err := svc.Erase(context.Background(), privacy.Identifiers{SID: "  "}, privacy.SourceAdmin, "")
	var ve *v1.ValidationError
	assert.ErrorAs(t, err, &ve)
}

type purgeCounter struct {
	metrics.Nop
	purged map[string]int
}

func (p *purgeCounter) ObservePurge(target string, removed int) { p.purged[target] += removed }

func TestMaintenanceWorker_RunOnce(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "vitals.ndjson")
	writeLines(t, base, `{"ts":1,"sid":"gone"}`, `{"ts":2,"sid":"kept"}`)

	erasure := privacy.NewLog(filepath.Join(dir, "erasure.ndjson"))
	_, err := erasure.Append(context.Background(), privacy.Identifiers{SID: "gone"}, privacy.SourceOps, "")
	require.NoError(t, err)

	obs := &purgeCounter{purged: map[string]int{}}
	w := NewMaintenanceWorker(privacy.NewCompactor(erasure), []privacy.Target{{Name: "vitals", Path: base}},
		privacy.RotateOptions{MaxBytes: 1}, time.Hour, obs)

	reports, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Rotate.Rotated)
	assert.Equal(t, 1, obs.purged["vitals"])
}
