package privacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"rollgate/internal/ndjson"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

// DefaultPurgeMaxBytes is the largest file PurgeFile rewrites inline.
// Bigger files are left to the compactor.
const DefaultPurgeMaxBytes int64 = 50 * 1024 * 1024

type PurgeReport struct {
	File      string `json:"file"`
	Removed   int    `json:"removed"`
	Retained  int    `json:"retained"`
	SizeBytes int64  `json:"sizeBytes"`
	Skipped   bool   `json:"skipped"`
}

// PurgeFile drops every line of path whose identifiers intersect ids. Files
// larger than maxBytes are reported as skipped and left untouched. The file
// is only rewritten when something was removed.
func PurgeFile(ctx context.Context, path string, ids Identifiers, maxBytes int64) (PurgeReport, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	rep := PurgeReport{File: abs}
	idx := NewIndex(ids)
	if !idx.HasAny() {
		rep.Skipped = true
		return rep, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultPurgeMaxBytes
	}

	st, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	rep.SizeBytes = st.Size()
	if st.Size() > maxBytes {
		rep.Skipped = true
		logger.Warn("purge skipped, file over threshold",
			zap.String("file", abs), zap.Int64("size", st.Size()), zap.Int64("max", maxBytes))
		return rep, nil
	}

	removed, retained, err := countMatches(ctx, abs, idx)
	if err != nil {
		return rep, err
	}
	rep.Removed, rep.Retained = removed, retained
	if removed == 0 {
		return rep, nil
	}

	if _, _, err := rewrite(ctx, abs, []string{abs}, st.Mode().Perm(), idx); err != nil {
		return rep, fmt.Errorf("rewrite %s: %w", abs, err)
	}
	return rep, nil
}

// PurgeFiles runs PurgeFile over files, stopping at the first I/O error.
func PurgeFiles(ctx context.Context, files []string, ids Identifiers, maxBytes int64) ([]PurgeReport, error) {
	reports := make([]PurgeReport, 0, len(files))
	for _, f := range files {
		rep, err := PurgeFile(ctx, f, ids, maxBytes)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func countMatches(ctx context.Context, path string, idx *Index) (removed, retained int, err error) {
	err = ndjson.Each(ctx, path, func(line []byte) error {
		if idx.LineErased(line) {
			removed++
		} else {
			retained++
		}
		return nil
	})
	return removed, retained, err
}

// rewrite streams sources into dst, dropping lines erased by idx (nil keeps
// everything). Kept lines are copied byte for byte.
func rewrite(ctx context.Context, dst string, sources []string, perm os.FileMode, idx *Index) (kept, dropped int, err error) {
	err = ndjson.WriteAtomic(dst, perm, func(w io.Writer) error {
		for _, src := range sources {
			err := ndjson.Each(ctx, src, func(line []byte) error {
				if idx.LineErased(line) {
					dropped++
					return nil
				}
				kept++
				if _, err := w.Write(line); err != nil {
					return err
				}
				_, err := w.Write([]byte{'\n'})
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return kept, dropped, err
}
