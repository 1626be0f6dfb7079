package vitals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"rollgate/internal/ndjson"
	"rollgate/internal/privacy"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultWindow   = 15 * time.Minute
	DefaultCacheTTL = 5 * time.Second
	chunkDays       = 14
	chunkCount      = 12
)

// ScanObserver receives one call per uncached window scan.
type ScanObserver interface {
	ObserveScan(source string, lines, skipped int, d time.Duration)
}

type Config struct {
	VitalsFile string
	ErrorsFile string
	Window     time.Duration
	CacheTTL   time.Duration
}

// SelfHosted reads the vitals and errors NDJSON logs (plus their rotated
// chunks) directly. Erased identifiers never contribute to any figure.
type SelfHosted struct {
	vitals   ndjson.Layout
	errors   ndjson.Layout
	window   time.Duration
	cacheTTL time.Duration
	erasure  *privacy.Log
	observer ScanObserver
	now      func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache *cachedWindow
}

type Option func(*SelfHosted)

func WithObserver(o ScanObserver) Option { return func(s *SelfHosted) { s.observer = o } }

func WithClock(now func() time.Time) Option { return func(s *SelfHosted) { s.now = now } }

func NewSelfHosted(cfg Config, erasure *privacy.Log, opts ...Option) *SelfHosted {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.CacheTTL < 0 {
		cfg.CacheTTL = 0
	}
	s := &SelfHosted{
		vitals:   ndjson.NewLayout(cfg.VitalsFile),
		errors:   ndjson.NewLayout(cfg.ErrorsFile),
		window:   cfg.Window,
		cacheTTL: cfg.CacheTTL,
		erasure:  erasure,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type event struct {
	snap   string
	metric string
	value  float64
	valid  bool
}

type window struct {
	vitals []event
	errors []event
}

type cachedWindow struct {
	key     string
	expires time.Time
	win     *window
}

type rawEvent struct {
	TS         *float64 `json:"ts"`
	Snap       string   `json:"snap"`
	SnapshotID string   `json:"snapshotId"`
	Metric     string   `json:"metric"`
	Name       string   `json:"name"`
	Value      *float64 `json:"value"`
	SID        string   `json:"sid"`
	SessionID  string   `json:"sessionId"`
	StableID   string   `json:"stableId"`
	AID        string   `json:"aid"`
	FFAID      string   `json:"ff_aid"`
	UserID     string   `json:"userId"`
}

func (s *SelfHosted) ErrorRate(ctx context.Context, flagKey, snapshotID string) (*float64, error) {
	w, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	denom := count(w.vitals, flagKey, snapshotID)
	if denom == 0 {
		return nil, nil
	}
	rate := float64(count(w.errors, flagKey, snapshotID)) / float64(denom)
	return &rate, nil
}

func (s *SelfHosted) WebVital(ctx context.Context, metric, flagKey, snapshotID string) (*float64, error) {
	w, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	var values []float64
	for _, e := range w.vitals {
		if e.valid && e.metric == metric && Attributed(e.snap, flagKey, snapshotID) {
			values = append(values, e.value)
		}
	}
	return P75(values), nil
}

// Summarize aggregates the window for snapshotID. An empty snapshotID returns
// one summary per distinct snapshot seen in the window.
func (s *SelfHosted) Summarize(ctx context.Context, snapshotID string) ([]Summary, error) {
	w, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if snapshotID != "" {
		return []Summary{summarize(snapshotID, w, func(snap string) bool { return Attributed(snap, "", snapshotID) })}, nil
	}

	seen := map[string]struct{}{}
	for _, e := range w.vitals {
		seen[e.snap] = struct{}{}
	}
	for _, e := range w.errors {
		seen[e.snap] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, summarize(id, w, func(snap string) bool { return snap == id }))
	}
	return out, nil
}

func (s *SelfHosted) HasData(ctx context.Context, snapshotID string) (bool, error) {
	w, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	return count(w.vitals, "", snapshotID) > 0 || count(w.errors, "", snapshotID) > 0, nil
}

func summarize(id string, w *window, match func(string) bool) Summary {
	sum := Summary{SnapshotID: id, Metrics: map[string]MetricSummary{}}
	samples := map[string][]float64{}
	for _, e := range w.vitals {
		if !match(e.snap) {
			continue
		}
		sum.SampleCount++
		if e.valid && e.metric != "" {
			samples[e.metric] = append(samples[e.metric], e.value)
		}
	}
	for _, e := range w.errors {
		if match(e.snap) {
			sum.ErrorCount++
		}
	}
	for metric, values := range samples {
		sum.Metrics[metric] = MetricSummary{Samples: len(values), P75: P75(values)}
	}
	if sum.SampleCount > 0 {
		rate := float64(sum.ErrorCount) / float64(sum.SampleCount)
		sum.ErrorRate = &rate
	}
	return sum
}

func count(events []event, flagKey, snapshotID string) int {
	n := 0
	for _, e := range events {
		if Attributed(e.snap, flagKey, snapshotID) {
			n++
		}
	}
	return n
}

// load returns the window scan, from cache while the TTL holds and no source
// file or the erasure log has changed since the scan.
func (s *SelfHosted) load(ctx context.Context) (*window, error) {
	files, key, err := s.fingerprint()
	if err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	if c := s.cache; c != nil && c.key == key && now.Before(c.expires) {
		s.mu.Unlock()
		return c.win, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(key, func() (any, error) {
		w, err := s.scan(ctx, files, now)
		if err != nil {
			return nil, err
		}
		if s.cacheTTL > 0 {
			s.mu.Lock()
			s.cache = &cachedWindow{key: key, expires: now.Add(s.cacheTTL), win: w}
			s.mu.Unlock()
		}
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*window), nil
}

type sourceFiles struct {
	vitals []string
	errors []string
}

func (s *SelfHosted) fingerprint() (sourceFiles, string, error) {
	now := s.now()
	var files sourceFiles
	var err error
	if files.vitals, err = s.vitals.Files(now, chunkDays, chunkCount); err != nil {
		return files, "", err
	}
	if files.errors, err = s.errors.Files(now, chunkDays, chunkCount); err != nil {
		return files, "", err
	}
	var b strings.Builder
	for _, f := range append(append([]string{}, files.vitals...), files.errors...) {
		b.WriteString(f)
		if st, err := os.Stat(f); err == nil {
			fmt.Fprintf(&b, "@%d:%d;", st.Size(), st.ModTime().UnixNano())
		} else {
			b.WriteString("@-;")
		}
	}
	if s.erasure != nil {
		b.WriteString("erasure@" + s.erasure.Stamp())
	}
	return files, b.String(), nil
}

func (s *SelfHosted) scan(ctx context.Context, files sourceFiles, now time.Time) (*window, error) {
	var idx *privacy.Index
	if s.erasure != nil {
		var err error
		if idx, err = s.erasure.Index(ctx); err != nil {
			return nil, fmt.Errorf("load erasure index: %w", err)
		}
	}
	cutoff := float64(now.Add(-s.window).UnixMilli())

	w := &window{}
	var err error
	if w.vitals, err = s.scanFiles(ctx, "vitals", files.vitals, cutoff, idx); err != nil {
		return nil, err
	}
	if w.errors, err = s.scanFiles(ctx, "errors", files.errors, cutoff, idx); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *SelfHosted) scanFiles(ctx context.Context, source string, files []string, cutoff float64, idx *privacy.Index) ([]event, error) {
	start := time.Now()
	var out []event
	lines, skipped := 0, 0
	for _, f := range files {
		err := ndjson.Each(ctx, f, func(line []byte) error {
			lines++
			var raw rawEvent
			if err := json.Unmarshal(line, &raw); err != nil {
				var typeErr *json.UnmarshalTypeError
				if !errors.As(err, &typeErr) {
					skipped++
					return nil
				}
			}
			if raw.TS == nil || math.IsNaN(*raw.TS) || *raw.TS < cutoff {
				return nil
			}
			if idx.HasAny() && privacy.IsErased(idx, privacy.Candidate{
				SID: raw.SID, SessionID: raw.SessionID, StableID: raw.StableID,
				AID: raw.AID, FFAID: raw.FFAID, UserID: raw.UserID,
			}) {
				return nil
			}
			e := event{snap: raw.Snap, metric: raw.Metric}
			if e.snap == "" {
				e.snap = raw.SnapshotID
			}
			if e.metric == "" {
				e.metric = raw.Name
			}
			if raw.Value != nil && !math.IsNaN(*raw.Value) && !math.IsInf(*raw.Value, 0) {
				e.value, e.valid = *raw.Value, true
			}
			out = append(out, e)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", f, err)
		}
	}
	if skipped > 0 {
		logger.Debug("skipped corrupt metric lines", zap.String("source", source), zap.Int("skipped", skipped))
	}
	if s.observer != nil {
		s.observer.ObserveScan(source, lines, skipped, time.Since(start))
	}
	return out, nil
}
