package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rollgate/pkg/logger"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func init() {
	logger.InitLogger("test")
}

func TestMemory_FailsFastWhileHeld(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	tok, err := m.Acquire(ctx, "flag:web/checkout", time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "flag:web/checkout", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	// other keys are independent
	other, err := m.Acquire(ctx, "flag:web/search", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "flag:web/search", other))

	require.NoError(t, m.Release(ctx, "flag:web/checkout", tok))
	_, err = m.Acquire(ctx, "flag:web/checkout", time.Minute)
	assert.NoError(t, err)
}

func TestMemory_ExpiredHolderIsReplaced(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMemoryWithClock(func() time.Time { return now })
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)

	now = now.Add(11 * time.Second)
	fresh, err := m.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)

	// the crashed holder can no longer release the new owner's lock
	assert.ErrorIs(t, m.Release(ctx, "k", stale), ErrNotHeld)
	assert.NoError(t, m.Release(ctx, "k", fresh))
}

func TestMemory_Exclusion(t *testing.T) {
	m := NewMemory()
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.Acquire(context.Background(), "same", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestWithLock(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := WithLock(ctx, m, "k", time.Minute, func(ctx context.Context) error {
		_, err := m.Acquire(ctx, "k", time.Minute)
		assert.ErrorIs(t, err, ErrLocked)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")

	// released after a failing callback
	tok, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "k", tok))
}

type recordingObserver struct {
	acquired, contended int
}

func (r *recordingObserver) ObserveLock(_ string, acquired, contended bool) {
	if acquired {
		r.acquired++
	}
	if contended {
		r.contended++
	}
}

func TestInstrument(t *testing.T) {
	obs := &recordingObserver{}
	l := Instrument(NewMemory(), "memory", obs)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	assert.Equal(t, 1, obs.acquired)
	assert.Equal(t, 1, obs.contended)
}

func TestRedis_UnreachableIsNotAcquired(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:0",
		DialTimeout: 10 * time.Millisecond,
		ReadTimeout: 10 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	l := NewRedis(rdb, "")
	ctx := context.Background()

	for range 2 {
		tok, err := l.Acquire(ctx, "flag:web/checkout", time.Minute)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrLocked)
		assert.Empty(t, tok)
	}
	assert.Error(t, l.Release(ctx, "flag:web/checkout", Token("whatever")))
}

func TestEtcd_UnavailableIsNotAcquired(t *testing.T) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{"127.0.0.1:1"},
		DialTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	tok, err := NewEtcd(cli, "").Acquire(ctx, "k", time.Second)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrLocked)
	assert.Empty(t, tok)
}

func TestEtcd_ReleaseUnknownToken(t *testing.T) {
	e := NewEtcd(nil, "")
	assert.ErrorIs(t, e.Release(context.Background(), "k", "nope"), ErrNotHeld)
}
