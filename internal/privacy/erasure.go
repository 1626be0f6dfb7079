// Package privacy records erasure requests and removes erased identifiers
// from the NDJSON metrics and telemetry logs.
package privacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"rollgate/internal/ndjson"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

var ErrNoIdentifiers = errors.New("at least one identifier is required for erasure")

type Source string

const (
	SourceSelf   Source = "self"
	SourceAdmin  Source = "admin"
	SourceOps    Source = "ops"
	SourceSystem Source = "system"
)

// Identifiers name the subject of an erasure request.
type Identifiers struct {
	SID      string `json:"sid,omitempty"`
	AID      string `json:"aid,omitempty"`
	UserID   string `json:"userId,omitempty"`
	StableID string `json:"stableId,omitempty"`
}

func (ids Identifiers) Normalize() Identifiers {
	return Identifiers{
		SID:      strings.TrimSpace(ids.SID),
		AID:      strings.TrimSpace(ids.AID),
		UserID:   strings.TrimSpace(ids.UserID),
		StableID: strings.TrimSpace(ids.StableID),
	}
}

func (ids Identifiers) Empty() bool {
	n := ids.Normalize()
	return n.SID == "" && n.AID == "" && n.UserID == "" && n.StableID == ""
}

// Record is one line of the append-only erasure log.
type Record struct {
	Identifiers
	At     int64  `json:"at"`
	Source Source `json:"source,omitempty"`
	Note   string `json:"note,omitempty"`
}

func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var aux struct {
		plain
		TS *int64 `json:"ts"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	if r.At == 0 && aux.TS != nil {
		r.At = *aux.TS
	}
	return nil
}

// Log is the erasure log file. Its index is cached until the file changes.
type Log struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	stamp fileStamp
	index *Index
}

type fileStamp struct {
	mod  time.Time
	size int64
}

func NewLog(path string) *Log {
	return &Log{path: path, now: time.Now}
}

func (l *Log) Path() string { return l.path }

// Append writes one erasure record. At least one identifier must be set.
func (l *Log) Append(ctx context.Context, ids Identifiers, source Source, note string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	ids = ids.Normalize()
	if ids.Empty() {
		return Record{}, ErrNoIdentifiers
	}
	if source == "" {
		source = SourceSystem
	}
	rec := Record{Identifiers: ids, At: l.now().UnixMilli(), Source: source, Note: note}
	if err := ndjson.Append(l.path, rec); err != nil {
		return Record{}, fmt.Errorf("append erasure: %w", err)
	}

	l.mu.Lock()
	l.index = nil
	l.mu.Unlock()
	return rec, nil
}

// Index returns the matcher for every recorded erasure, re-reading the log
// only when its size or mtime changed.
func (l *Log) Index(ctx context.Context) (*Index, error) {
	st, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewIndex(), nil
	}
	if err != nil {
		return nil, err
	}
	stamp := fileStamp{mod: st.ModTime(), size: st.Size()}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index != nil && l.stamp == stamp {
		return l.index, nil
	}

	idx := NewIndex()
	sc, err := ndjson.Open(ctx, l.path)
	if err != nil {
		return nil, err
	}
	defer sc.Close()
	for sc.Next() {
		var rec Record
		if err := sc.Decode(&rec); err != nil {
			logger.Warn("skip corrupt erasure record", zap.String("file", l.path), zap.Int("line", sc.Line()))
			continue
		}
		idx.Add(rec.Identifiers)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	l.index, l.stamp = idx, stamp
	return idx, nil
}

// Stamp identifies the current log contents for cache keys.
func (l *Log) Stamp() string {
	st, err := os.Stat(l.path)
	if err != nil {
		return "none"
	}
	return fmt.Sprintf("%d:%d", st.Size(), st.ModTime().UnixNano())
}
