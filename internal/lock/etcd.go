package lock

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Etcd locks with a lease-backed concurrency.Mutex. The lease is kept alive
// while the holder runs; if the holder dies the lease expires after ttl and
// the key is free again.
type Etcd struct {
	client *clientv3.Client
	prefix string

	mu   sync.Mutex
	held map[Token]*etcdHold
}

type etcdHold struct {
	key     string
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	if prefix == "" {
		prefix = "/locks/rollgate/"
	}
	return &Etcd{client: client, prefix: prefix, held: make(map[Token]*etcdHold)}
}

func (e *Etcd) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	lease, err := e.client.Grant(ctx, secs)
	if err != nil {
		return "", err
	}
	session, err := concurrency.NewSession(e.client, concurrency.WithLease(lease.ID))
	if err != nil {
		return "", err
	}
	m := concurrency.NewMutex(session, e.prefix+key)
	if err := m.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return "", ErrLocked
		}
		return "", err
	}

	tok := Token(uuid.NewString())
	e.mu.Lock()
	e.held[tok] = &etcdHold{key: key, session: session, mutex: m}
	e.mu.Unlock()
	return tok, nil
}

func (e *Etcd) Release(ctx context.Context, key string, token Token) error {
	e.mu.Lock()
	h, ok := e.held[token]
	if ok && h.key == key {
		delete(e.held, token)
	}
	e.mu.Unlock()
	if !ok || h.key != key {
		return ErrNotHeld
	}
	err := h.mutex.Unlock(ctx)
	if cerr := h.session.Close(); err == nil {
		err = cerr
	}
	return err
}
