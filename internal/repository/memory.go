package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"rollgate/internal/lock"
	"rollgate/internal/ndjson"
	v1 "rollgate/pkg/api/v1"
)

// MemoryStore keeps flags and overrides in process memory. When opened with a
// path, every write is also persisted to a JSON state file by atomic replace,
// and a failed persist rolls the in-memory change back.
type MemoryStore struct {
	mu        sync.RWMutex
	flags     map[string]*v1.FlagConfig
	overrides map[string]v1.OverrideEntry
	locker    lock.Locker
	path      string
}

type memoryState struct {
	Flags     []*v1.FlagConfig   `json:"flags"`
	Overrides []v1.OverrideEntry `json:"overrides"`
}

func NewMemoryStore(locker lock.Locker) *MemoryStore {
	if locker == nil {
		locker = lock.NewMemory()
	}
	return &MemoryStore{
		flags:     make(map[string]*v1.FlagConfig),
		overrides: make(map[string]v1.OverrideEntry),
		locker:    locker,
	}
}

// OpenFileStore loads path if it exists and persists every later write to it.
func OpenFileStore(path string, locker lock.Locker) (*MemoryStore, error) {
	s := NewMemoryStore(locker)
	s.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var st memoryState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", path, err)
	}
	for _, f := range st.Flags {
		s.flags[flagID(f.Namespace, f.Key)] = f
	}
	for _, o := range st.Overrides {
		s.overrides[overrideID(o.Namespace, o.Flag, o.Scope)] = o
	}
	return s, nil
}

func (s *MemoryStore) Path() string { return s.path }

func (s *MemoryStore) GetFlag(_ context.Context, namespace, key string) (*v1.FlagConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[flagID(namespace, key)]
	if !ok {
		return nil, fmt.Errorf("flag %s/%s: %w", namespace, key, ErrNotFound)
	}
	return f.Clone(), nil
}

func (s *MemoryStore) PutFlag(_ context.Context, cfg *v1.FlagConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	id := flagID(cfg.Namespace, cfg.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.flags[id]
	s.flags[id] = cfg.Clone()
	if err := s.persistLocked(); err != nil {
		if had {
			s.flags[id] = prev
		} else {
			delete(s.flags, id)
		}
		return err
	}
	return nil
}

func (s *MemoryStore) ListFlags(_ context.Context, namespace string) ([]*v1.FlagConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.FlagConfig, 0, len(s.flags))
	for _, f := range s.flags {
		if namespace != "" && f.Namespace != namespace {
			continue
		}
		out = append(out, f.Clone())
	}
	sortFlags(out)
	return out, nil
}

func (s *MemoryStore) ListOverrides(_ context.Context, namespace, flag string) ([]v1.OverrideEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]v1.OverrideEntry, 0)
	for _, o := range s.overrides {
		if (namespace != "" && o.Namespace != namespace) || (flag != "" && o.Flag != flag) {
			continue
		}
		out = append(out, o)
	}
	sortOverrides(out)
	return out, nil
}

func (s *MemoryStore) PutOverride(_ context.Context, entry v1.OverrideEntry) error {
	if err := entry.Scope.Validate(); err != nil {
		return err
	}
	id := overrideID(entry.Namespace, entry.Flag, entry.Scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.overrides[id]
	s.overrides[id] = entry
	if err := s.persistLocked(); err != nil {
		if had {
			s.overrides[id] = prev
		} else {
			delete(s.overrides, id)
		}
		return err
	}
	return nil
}

func (s *MemoryStore) RemoveOverride(_ context.Context, namespace, flag string, scope v1.OverrideScope) error {
	id := overrideID(namespace, flag, scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.overrides[id]
	if !ok {
		return fmt.Errorf("override %s: %w", id, ErrNotFound)
	}
	delete(s.overrides, id)
	if err := s.persistLocked(); err != nil {
		s.overrides[id] = prev
		return err
	}
	return nil
}

func (s *MemoryStore) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	return lock.WithLock(ctx, s.locker, key, ttl, fn)
}

func (s *MemoryStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	st := memoryState{
		Flags:     make([]*v1.FlagConfig, 0, len(s.flags)),
		Overrides: make([]v1.OverrideEntry, 0, len(s.overrides)),
	}
	for _, f := range s.flags {
		st.Flags = append(st.Flags, f)
	}
	for _, o := range s.overrides {
		st.Overrides = append(st.Overrides, o)
	}
	sortFlags(st.Flags)
	sortOverrides(st.Overrides)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := ndjson.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("persist store: %w", err)
	}
	return nil
}

func sortFlags(fs []*v1.FlagConfig) {
	sort.Slice(fs, func(i, j int) bool {
		return flagID(fs[i].Namespace, fs[i].Key) < flagID(fs[j].Namespace, fs[j].Key)
	})
}

func sortOverrides(es []v1.OverrideEntry) {
	sort.Slice(es, func(i, j int) bool {
		return overrideID(es[i].Namespace, es[i].Flag, es[i].Scope) < overrideID(es[j].Namespace, es[j].Flag, es[j].Scope)
	})
}
