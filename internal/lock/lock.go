// Package lock provides per-key mutual exclusion with TTL expiry. Every
// implementation fails fast: a held key returns ErrLocked instead of waiting.
package lock

import (
	"context"
	"errors"
	"time"

	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

const DefaultTTL = 15 * time.Second

var (
	// ErrLocked means another holder owns the key. Callers retry later.
	ErrLocked = errors.New("lock is held by another writer")
	// ErrNotHeld means the token no longer owns the key, usually because the
	// TTL expired and someone else acquired it.
	ErrNotHeld = errors.New("lock not held by token")
)

type Token string

// Locker is the lock service used to serialize flag mutations.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error)
	Release(ctx context.Context, key string, token Token) error
}

// WithLock runs fn while holding key. fn's context is cancelled once ttl
// elapses, since the lock may have been taken over by then. The lock is
// always released, even when fn fails.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	tok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), key, tok); err != nil {
			logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	lctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(lctx)
}

// Observer is told about every acquire attempt.
type Observer interface {
	ObserveLock(backend string, acquired bool, contended bool)
}

type instrumented struct {
	Locker
	backend string
	obs     Observer
}

// Instrument reports acquire outcomes of l to obs.
func Instrument(l Locker, backend string, obs Observer) Locker {
	if obs == nil {
		return l
	}
	return &instrumented{Locker: l, backend: backend, obs: obs}
}

func (i *instrumented) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	tok, err := i.Locker.Acquire(ctx, key, ttl)
	i.obs.ObserveLock(i.backend, err == nil, errors.Is(err, ErrLocked))
	return tok, err
}
