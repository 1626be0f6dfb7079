// Package telemetry records exposure events: which value a subject was served
// and why. Emission never blocks evaluation.
package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"

	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

const EventExposure = "exposure"

// Event is one NDJSON telemetry line. The identifier fields use the same
// names the erasure purge looks for.
type Event struct {
	Type      string             `json:"type"`
	TS        int64              `json:"ts"`
	Namespace string             `json:"namespace"`
	Flag      string             `json:"flag"`
	Value     v1.Value           `json:"value"`
	Reason    constraints.Reason `json:"reason"`
	Shadow    bool               `json:"shadow,omitempty"`
	Snap      string             `json:"snap,omitempty"`
	SID       string             `json:"sid,omitempty"`
	AID       string             `json:"aid,omitempty"`
	UserID    string             `json:"userId,omitempty"`
}

type Sink interface {
	Emit(ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

// DropObserver is told when an event is dropped because the buffer is full.
type DropObserver interface {
	TelemetryDropped()
}

// FileSink appends events to an NDJSON file from a single writer goroutine.
// The file is reopened for every batch so rotation and compaction can replace
// it underneath.
type FileSink struct {
	path     string
	ch       chan Event
	dropped  atomic.Int64
	observer DropObserver

	closeOnce sync.Once
	done      chan struct{}
}

func NewFileSink(path string, buffer int, observer DropObserver) *FileSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &FileSink{
		path:     path,
		ch:       make(chan Event, buffer),
		observer: observer,
		done:     make(chan struct{}),
	}
}

func (s *FileSink) Emit(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		if s.observer != nil {
			s.observer.TelemetryDropped()
		}
	}
}

func (s *FileSink) Dropped() int64 { return s.dropped.Load() }

// Run writes events until ctx is cancelled, then flushes what is buffered.
func (s *FileSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.flush(s.drain(nil))
			return
		case ev := <-s.ch:
			s.flush(s.drain([]Event{ev}))
		}
	}
}

// Wait blocks until Run has returned.
func (s *FileSink) Wait() {
	<-s.done
}

func (s *FileSink) drain(batch []Event) []Event {
	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

func (s *FileSink) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	if err := s.write(batch); err != nil {
		logger.Error("telemetry write failed", zap.String("path", s.path), zap.Int("events", len(batch)), zap.Error(err))
	}
}

func (s *FileSink) write(batch []Event) (err error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return w.Flush()
}
