// Package vitals aggregates web-vital and error events into the windowed
// summaries the rollout controller gates on.
package vitals

import (
	"context"
	"sort"
	"strings"
)

const (
	MetricCLS = "CLS"
	MetricINP = "INP"
	MetricLCP = "LCP"
)

type MetricSummary struct {
	P75     *float64 `json:"p75"`
	Samples int      `json:"samples"`
}

// Summary aggregates the events attributed to one snapshot. ErrorRate is nil
// when there are no samples.
type Summary struct {
	SnapshotID  string                   `json:"snapshotId"`
	Metrics     map[string]MetricSummary `json:"metrics"`
	ErrorRate   *float64                 `json:"errorRate"`
	ErrorCount  int                      `json:"errorCount"`
	SampleCount int                      `json:"sampleCount"`
}

// P75 returns the p75 of metric, or nil when it has no samples.
func (s Summary) P75(metric string) *float64 {
	if m, ok := s.Metrics[metric]; ok {
		return m.P75
	}
	return nil
}

// Provider is the metrics source consulted before a rollout advances. Nil
// results mean "no data", never zero.
type Provider interface {
	ErrorRate(ctx context.Context, flagKey, snapshotID string) (*float64, error)
	WebVital(ctx context.Context, metric, flagKey, snapshotID string) (*float64, error)
	Summarize(ctx context.Context, snapshotID string) ([]Summary, error)
	HasData(ctx context.Context, snapshotID string) (bool, error)
}

// SnapshotFor is the snapshot token meaning "flag key in namespace ns was on".
func SnapshotFor(ns, key string) string {
	return ns + ":" + key + "=on"
}

// Attributed reports whether an event carrying snap belongs to the selection.
// A non-empty snapshotID must equal snap or be one of its ";" tokens;
// otherwise a non-empty flagKey must appear as "<ns>:<flagKey>=on" or
// "<flagKey>=on". An empty selection matches everything.
func Attributed(snap, flagKey, snapshotID string) bool {
	if snapshotID != "" {
		return snap == snapshotID || hasToken(snap, func(tok string) bool { return tok == snapshotID })
	}
	if flagKey != "" {
		return hasToken(snap, func(tok string) bool {
			return tok == flagKey+"=on" || strings.HasSuffix(tok, ":"+flagKey+"=on")
		})
	}
	return true
}

func hasToken(snap string, fn func(string) bool) bool {
	for _, tok := range strings.Split(snap, ";") {
		if fn(strings.TrimSpace(tok)) {
			return true
		}
	}
	return false
}

// P75 returns values[floor(0.75*(n-1))] of the sorted values, or nil when empty.
// values is sorted in place.
func P75(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sort.Float64s(values)
	v := values[int(0.75*float64(len(values)-1))]
	return &v
}

// NoData is the provider used when no metrics backend is configured.
type NoData struct{}

func (NoData) ErrorRate(context.Context, string, string) (*float64, error) { return nil, nil }

func (NoData) WebVital(context.Context, string, string, string) (*float64, error) { return nil, nil }

func (NoData) Summarize(context.Context, string) ([]Summary, error) { return nil, nil }

func (NoData) HasData(context.Context, string) (bool, error) { return false, nil }
