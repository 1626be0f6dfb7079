// Package ndjson reads, appends and atomically rewrites newline-delimited
// JSON logs and their dated chunks.
package ndjson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
)

// Scanner iterates the lines of one NDJSON file. It checks ctx between lines
// and must be closed; Close is safe to call more than once.
type Scanner struct {
	ctx  context.Context
	f    *os.File
	r    *bufio.Reader
	line []byte
	err  error
	n    int
}

// Open starts a scan of path. A missing file yields an empty scanner.
func Open(ctx context.Context, path string) (*Scanner, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Scanner{ctx: ctx}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Scanner{ctx: ctx, f: f, r: bufio.NewReaderSize(f, 64*1024)}, nil
}

// Next advances to the next non-blank line. It returns false at EOF, on a
// read error or once ctx is done; check Err afterwards.
func (s *Scanner) Next() bool {
	if s.r == nil || s.err != nil {
		return false
	}
	for {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			s.Close()
			return false
		}
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			s.n++
			trimmed := bytes.TrimRight(line, "\r\n")
			if len(bytes.TrimSpace(trimmed)) > 0 {
				s.line = trimmed
				return true
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			s.Close()
			return false
		}
	}
}

// Bytes is the current line without its terminator. It is only valid until
// the next call to Next.
func (s *Scanner) Bytes() []byte { return s.line }

// Line is the 1-based physical line number of the current line.
func (s *Scanner) Line() int { return s.n }

func (s *Scanner) Err() error { return s.err }

func (s *Scanner) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f, s.r = nil, nil
	return err
}

// Decode unmarshals the current line into v.
func (s *Scanner) Decode(v any) error {
	return json.Unmarshal(s.line, v)
}

// Each calls fn for every line of path until fn returns an error or ctx ends.
func Each(ctx context.Context, path string, fn func(line []byte) error) error {
	sc, err := Open(ctx, path)
	if err != nil {
		return err
	}
	defer sc.Close()
	for sc.Next() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}
