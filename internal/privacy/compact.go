package privacy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"rollgate/internal/ndjson"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

const (
	DefaultRetention   = 14 * 24 * time.Hour
	DefaultRotateBytes = 50 * 1024 * 1024
	DefaultRotateAge   = 7 * 24 * time.Hour
)

// Target is one log family managed by the compactor, e.g. vitals.
type Target struct {
	Name string `mapstructure:"name" json:"name"`
	Path string `mapstructure:"path" json:"path"`
}

type MergeResult struct {
	Day       string `json:"day"`
	Canonical string `json:"canonical"`
	Sources   int    `json:"sources"`
	Kept      int    `json:"kept"`
	Dropped   int    `json:"dropped"`
}

type CompactResult struct {
	Target        string        `json:"target"`
	Base          string        `json:"base"`
	Expired       []string      `json:"expired,omitempty"`
	Merged        []MergeResult `json:"merged,omitempty"`
	ActiveDropped int           `json:"activeDropped"`
}

// Dropped is the number of erased lines removed across all files.
func (r CompactResult) Dropped() int {
	n := r.ActiveDropped
	for _, m := range r.Merged {
		n += m.Dropped
	}
	return n
}

// Compactor merges same-day chunks, enforces retention and removes erased
// lines. Erasure lookups come from the log; a nil log disables filtering.
type Compactor struct {
	erasure   *Log
	retention time.Duration
	now       func() time.Time
}

type CompactorOption func(*Compactor)

func WithRetention(d time.Duration) CompactorOption {
	return func(c *Compactor) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithClock(now func() time.Time) CompactorOption {
	return func(c *Compactor) { c.now = now }
}

func NewCompactor(erasure *Log, opts ...CompactorOption) *Compactor {
	c := &Compactor{erasure: erasure, retention: DefaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compact processes the chunks of base. When any erasure is on record every
// surviving chunk is rewritten, canonical single-file days included, and the
// active base file is filtered too.
func (c *Compactor) Compact(ctx context.Context, base string) (CompactResult, error) {
	layout := ndjson.NewLayout(base)
	res := CompactResult{Base: layout.Base}

	var idx *Index
	if c.erasure != nil {
		var err error
		if idx, err = c.erasure.Index(ctx); err != nil {
			return res, fmt.Errorf("load erasure index: %w", err)
		}
	}
	force := idx.HasAny()

	chunks, err := layout.Chunks()
	if err != nil {
		return res, err
	}

	cutoff := c.now().Add(-c.retention)
	groups := map[time.Time][]ndjson.Chunk{}
	for _, ch := range chunks {
		if ch.Day.Before(cutoff) {
			if err := os.Remove(ch.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return res, err
			}
			res.Expired = append(res.Expired, ch.Path)
			continue
		}
		groups[ch.Day] = append(groups[ch.Day], ch)
	}

	days := make([]time.Time, 0, len(groups))
	for d := range groups {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		group := groups[day]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Seq < group[j].Seq })
		canonical := layout.ChunkPath(day, 0)
		if !force && len(group) == 1 && group[0].Path == canonical {
			continue
		}
		sources := make([]string, 0, len(group))
		for _, ch := range group {
			sources = append(sources, ch.Path)
		}
		kept, dropped, err := rewrite(ctx, canonical, sources, group[0].Mode, idx)
		if err != nil {
			return res, fmt.Errorf("merge %s: %w", canonical, err)
		}
		for _, src := range sources {
			if src == canonical {
				continue
			}
			if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return res, err
			}
		}
		res.Merged = append(res.Merged, MergeResult{
			Day:       day.Format("2006-01-02"),
			Canonical: canonical,
			Sources:   len(sources),
			Kept:      kept,
			Dropped:   dropped,
		})
	}

	if force {
		dropped, err := c.filterActive(ctx, layout.Base, idx)
		if err != nil {
			return res, err
		}
		res.ActiveDropped = dropped
	}
	return res, nil
}

func (c *Compactor) filterActive(ctx context.Context, path string, idx *Index) (int, error) {
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !st.Mode().IsRegular() {
		return 0, nil
	}
	removed, _, err := countMatches(ctx, path, idx)
	if err != nil || removed == 0 {
		return 0, err
	}
	_, dropped, err := rewrite(ctx, path, []string{path}, st.Mode().Perm(), idx)
	if err != nil {
		return 0, fmt.Errorf("filter %s: %w", path, err)
	}
	return dropped, nil
}

// RotateOptions bound the size and age of the active log.
type RotateOptions struct {
	MaxBytes int64
	MaxAge   time.Duration
	Now      time.Time
}

type RotateResult struct {
	File    string `json:"file"`
	Chunk   string `json:"chunk,omitempty"`
	Rotated bool   `json:"rotated"`
	Reason  string `json:"reason,omitempty"`
	Bytes   int64  `json:"bytes"`
}

// Rotate moves base to a fresh dated chunk when it is at least MaxBytes or
// was last written MaxAge ago, then recreates an empty base with the same mode.
func Rotate(base string, opts RotateOptions) (RotateResult, error) {
	layout := ndjson.NewLayout(base)
	res := RotateResult{File: layout.Base}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	st, err := os.Stat(layout.Base)
	if errors.Is(err, fs.ErrNotExist) {
		res.Reason = "missing"
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if !st.Mode().IsRegular() {
		res.Reason = "not-a-file"
		return res, nil
	}
	res.Bytes = st.Size()
	if !shouldRotate(st, opts) {
		res.Reason = "threshold"
		return res, nil
	}

	chunk := layout.UniqueChunkPath(opts.Now)
	if err := os.Rename(layout.Base, chunk); err != nil {
		return res, err
	}
	f, err := os.OpenFile(layout.Base, os.O_CREATE|os.O_WRONLY|os.O_APPEND, st.Mode().Perm())
	if err != nil {
		return res, err
	}
	if err := f.Close(); err != nil {
		return res, err
	}
	if err := os.Chmod(layout.Base, st.Mode().Perm()); err != nil {
		return res, err
	}
	res.Chunk, res.Rotated = chunk, true
	return res, nil
}

func shouldRotate(st os.FileInfo, opts RotateOptions) bool {
	if st.Size() == 0 {
		return false
	}
	if opts.MaxBytes > 0 && st.Size() >= opts.MaxBytes {
		return true
	}
	return opts.MaxAge > 0 && opts.Now.Sub(st.ModTime()) >= opts.MaxAge
}

type TargetReport struct {
	Target  string        `json:"target"`
	Rotate  RotateResult  `json:"rotate"`
	Compact CompactResult `json:"compact"`
}

// Maintain rotates and then compacts every target. A failing target is
// logged and does not stop the others; the first error is returned.
func (c *Compactor) Maintain(ctx context.Context, targets []Target, rot RotateOptions) ([]TargetReport, error) {
	var firstErr error
	reports := make([]TargetReport, 0, len(targets))
	for _, t := range targets {
		rep := TargetReport{Target: t.Name}
		r, err := Rotate(t.Path, rot)
		if err == nil {
			rep.Rotate = r
			rep.Compact, err = c.Compact(ctx, t.Path)
			rep.Compact.Target = t.Name
		}
		if err != nil {
			logger.Error("log maintenance failed", zap.String("target", t.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", t.Name, err)
			}
			continue
		}
		reports = append(reports, rep)
	}
	return reports, firstErr
}
