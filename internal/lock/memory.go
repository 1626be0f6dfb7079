package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Locker. An entry whose TTL has passed counts as
// abandoned and may be taken by the next caller.
type Memory struct {
	mu   sync.Mutex
	held map[string]memEntry
	now  func() time.Time
}

type memEntry struct {
	token   Token
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memEntry), now: time.Now}
}

// NewMemoryWithClock is NewMemory with an injected clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := NewMemory()
	m.now = now
	return m
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return "", ErrLocked
	}
	tok := Token(uuid.NewString())
	m.held[key] = memEntry{token: tok, expires: now.Add(ttl)}
	return tok, nil
}

func (m *Memory) Release(_ context.Context, key string, token Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.held[key]
	if !ok || e.token != token {
		return ErrNotHeld
	}
	delete(m.held, key)
	return nil
}
