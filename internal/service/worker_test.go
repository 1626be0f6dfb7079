package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"rollgate/internal/model"
	"rollgate/internal/repository"
	v1 "rollgate/pkg/api/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type flakyMirror struct {
	mu        sync.Mutex
	failing   map[string]int
	published []v1.Message
}

func (m *flakyMirror) Publish(_ context.Context, msg v1.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[msg.Key] > 0 {
		m.failing[msg.Key]--
		return 0, assert.AnError
	}
	m.published = append(m.published, msg)
	return int64(len(m.published)), nil
}

type outboxFixture struct {
	db     *gorm.DB
	outbox *repository.OutboxRepository
	mirror *flakyMirror
	worker *OutboxWorker
	now    time.Time
}

func newOutboxFixture(t *testing.T) *outboxFixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	f := &outboxFixture{
		db:     db,
		outbox: repository.NewOutboxRepository(db),
		mirror: &flakyMirror{failing: map[string]int{}},
		now:    time.Now(),
	}
	f.worker = NewOutboxWorker(f.outbox, f.mirror, time.Second)
	f.worker.now = func() time.Time { return f.now }
	return f
}

func (f *outboxFixture) enqueue(t *testing.T, key string, version int64, payload string) int64 {
	t.Helper()
	if payload == "" {
		msg := flagMsg("web", key, version, 0)
		payload = msg.ToJSON()
	}
	task := &model.OutboxTask{Namespace: "web", Key: "web/" + key, Kind: "flag", Payload: payload, NextAttemptAt: f.now}
	require.NoError(t, f.outbox.Create(context.Background(), task))
	return task.ID
}

func (f *outboxFixture) task(t *testing.T, id int64) model.OutboxTask {
	t.Helper()
	var task model.OutboxTask
	require.NoError(t, f.db.First(&task, id).Error)
	return task
}

func TestOutboxWorker_RetriesWithBackoff(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "a", 1, "")
	bad := f.enqueue(t, "b", 1, "{not json")
	f.mirror.failing["a"] = 1

	assert.Equal(t, 0, f.worker.ProcessPending(ctx))
	task := f.task(t, a)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, assert.AnError.Error(), task.LastError)
	assert.WithinDuration(t, f.now.Add(2*time.Second), task.NextAttemptAt, time.Millisecond)
	assert.Equal(t, model.StatusFailed, f.task(t, bad).Status)

	// not due yet
	f.now = f.now.Add(time.Second)
	assert.Equal(t, 0, f.worker.ProcessPending(ctx))

	f.now = f.now.Add(time.Second)
	assert.Equal(t, 1, f.worker.ProcessPending(ctx))
	task = f.task(t, a)
	assert.Equal(t, model.StatusCompleted, task.Status)
	assert.Empty(t, task.LastError)
	require.Len(t, f.mirror.published, 1)
	assert.Equal(t, "a", f.mirror.published[0].Key)
}

func TestOutboxWorker_KeepsFlagOrder(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := context.Background()
	f.enqueue(t, "a", 1, "")
	f.enqueue(t, "a", 2, "")
	f.enqueue(t, "c", 1, "")
	f.mirror.failing["a"] = 1

	assert.Equal(t, 1, f.worker.ProcessPending(ctx))
	require.Len(t, f.mirror.published, 1)
	assert.Equal(t, "c", f.mirror.published[0].Key)

	f.now = f.now.Add(time.Minute)
	assert.Equal(t, 2, f.worker.ProcessPending(ctx))
	versions := []int64{f.mirror.published[1].Version, f.mirror.published[2].Version}
	assert.Equal(t, []int64{1, 2}, versions)
}

func TestOutboxWorker_GivesUpAfterMaxRetries(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, "a", 1, "")
	f.mirror.failing["a"] = 100

	for i := 0; i < model.MaxOutboxRetries+2; i++ {
		f.worker.ProcessPending(ctx)
		f.now = f.now.Add(maxOutboxBackoff)
	}
	task := f.task(t, id)
	assert.Equal(t, model.StatusFailed, task.Status)
	assert.Equal(t, model.MaxOutboxRetries, task.RetryCount)
}

func TestOutboxWorker_Backoff(t *testing.T) {
	w := NewOutboxWorker(nil, nil, time.Second)
	assert.Equal(t, 2*time.Second, w.backoff(1))
	assert.Equal(t, 16*time.Second, w.backoff(4))
	assert.Equal(t, maxOutboxBackoff, w.backoff(20))
	assert.Equal(t, maxOutboxBackoff, w.backoff(70))
}

func TestOutboxWorker_Purge(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := context.Background()
	f.enqueue(t, "a", 1, "")
	pending := f.enqueue(t, "b", 1, "")
	f.mirror.failing["b"] = 1
	f.worker.ProcessPending(ctx)

	assert.Zero(t, f.worker.Purge(ctx))

	f.worker.WithRetention(time.Hour)
	f.now = time.Now().Add(2 * time.Hour)
	assert.Equal(t, int64(1), f.worker.Purge(ctx))

	var left []model.OutboxTask
	require.NoError(t, f.db.Find(&left).Error)
	require.Len(t, left, 1)
	assert.Equal(t, pending, left[0].ID)
}
