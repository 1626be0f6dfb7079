package ndjson

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

const dayLayout = "20060102"

// Layout describes a base log such as "vitals.ndjson" and its rotated chunks
// "vitals-YYYYMMDD[-N].ndjson" in the same directory.
type Layout struct {
	Base   string
	Dir    string
	Prefix string
	Ext    string
	re     *regexp.Regexp
}

// Chunk is one dated file belonging to a Layout.
type Chunk struct {
	Path string
	Name string
	Day  time.Time
	Seq  int
	Size int64
	Mode os.FileMode
}

func NewLayout(base string) Layout {
	abs, err := filepath.Abs(base)
	if err != nil {
		abs = base
	}
	name := filepath.Base(abs)
	ext := filepath.Ext(name)
	prefix := name[:len(name)-len(ext)]
	return Layout{
		Base:   abs,
		Dir:    filepath.Dir(abs),
		Prefix: prefix,
		Ext:    ext,
		re:     regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `-(\d{8})(?:[-_](\d+))?` + regexp.QuoteMeta(ext) + "$"),
	}
}

// ChunkName is the file name for day; seq 0 is the canonical name.
func (l Layout) ChunkName(day time.Time, seq int) string {
	if seq <= 0 {
		return fmt.Sprintf("%s-%s%s", l.Prefix, day.UTC().Format(dayLayout), l.Ext)
	}
	return fmt.Sprintf("%s-%s-%d%s", l.Prefix, day.UTC().Format(dayLayout), seq, l.Ext)
}

func (l Layout) ChunkPath(day time.Time, seq int) string {
	return filepath.Join(l.Dir, l.ChunkName(day, seq))
}

// UniqueChunkPath returns the first chunk path for day that does not exist yet.
func (l Layout) UniqueChunkPath(day time.Time) string {
	for seq := 0; ; seq++ {
		p := l.ChunkPath(day, seq)
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			return p
		}
	}
}

func (l Layout) parse(name string) (time.Time, int, bool) {
	m := l.re.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, 0, false
	}
	day, err := time.ParseInLocation(dayLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, 0, false
	}
	seq := 0
	if m[2] != "" {
		seq, _ = strconv.Atoi(m[2])
	}
	return day, seq, true
}

// Chunks lists the dated chunks of the layout ordered by day, then name.
// A missing directory yields no chunks.
func (l Layout) Chunks() ([]Chunk, error) {
	entries, err := os.ReadDir(l.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Chunk
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		day, seq, ok := l.parse(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, Chunk{
			Path: filepath.Join(l.Dir, e.Name()),
			Name: e.Name(),
			Day:  day,
			Seq:  seq,
			Size: info.Size(),
			Mode: info.Mode().Perm(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Files returns the chunks dated within maxDays of now (at most maxCount of
// the newest) followed by the base file. Zero limits disable the filter.
func (l Layout) Files(now time.Time, maxDays, maxCount int) ([]string, error) {
	chunks, err := l.Chunks()
	if err != nil {
		return nil, err
	}
	var cutoff time.Time
	if maxDays > 0 {
		cutoff = now.Add(-time.Duration(maxDays) * 24 * time.Hour)
	}
	kept := chunks[:0]
	for _, c := range chunks {
		if !cutoff.IsZero() && c.Day.Before(cutoff) {
			continue
		}
		kept = append(kept, c)
	}
	if maxCount > 0 && len(kept) > maxCount {
		kept = kept[len(kept)-maxCount:]
	}
	files := make([]string, 0, len(kept)+1)
	for _, c := range kept {
		files = append(files, c.Path)
	}
	return append(files, l.Base), nil
}
