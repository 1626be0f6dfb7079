package repository

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"rollgate/internal/model"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestGormStore_FlagRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := NewGormStore(db, nil)
	ctx := context.Background()

	_, err := s.GetFlag(ctx, "web", "checkout")
	assert.ErrorIs(t, err, ErrNotFound)

	f := newFlag("web", "checkout")
	f.Rollout.Steps = []v1.RolloutStep{{Pct: 0, At: 1000}}
	require.NoError(t, s.PutFlag(ctx, f))

	f.Version = 2
	f.Rollout.Percent = 10
	f.Rollout.Steps = append(f.Rollout.Steps, v1.RolloutStep{Pct: 10, At: 2000})
	require.NoError(t, s.PutFlag(ctx, f))

	got, err := s.GetFlag(ctx, "web", "checkout")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 10.0, got.Rollout.Percent)
	assert.Len(t, got.Rollout.Steps, 2)

	var count int64
	db.Model(&model.FlagRecord{}).Count(&count)
	assert.Equal(t, int64(1), count)

	require.NoError(t, s.PutFlag(ctx, newFlag("api", "search")))
	list, err := s.ListFlags(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "api", list[0].Namespace)
	web, _ := s.ListFlags(ctx, "web")
	assert.Len(t, web, 1)
}

func TestGormStore_Overrides(t *testing.T) {
	s := NewGormStore(openTestDB(t), nil)
	ctx := context.Background()

	entry := v1.OverrideEntry{Namespace: "web", Flag: "checkout", Scope: v1.UserScope("u1"), Value: v1.String("blue"), Author: "ops", ExpiresAt: 5000}
	require.NoError(t, s.PutOverride(ctx, entry))
	entry.Value = v1.String("green")
	require.NoError(t, s.PutOverride(ctx, entry))
	require.NoError(t, s.PutOverride(ctx, v1.OverrideEntry{Namespace: "web", Flag: "checkout", Scope: v1.GlobalScope(), Value: v1.String("red")}))

	list, err := s.ListOverrides(ctx, "web", "checkout")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "green", list[0].Value.AsString())
	assert.Equal(t, int64(5000), list[0].ExpiresAt)
	assert.Equal(t, constraints.ScopeGlobal, list[1].Scope.Type)

	require.NoError(t, s.RemoveOverride(ctx, "web", "checkout", v1.UserScope("u1")))
	assert.ErrorIs(t, s.RemoveOverride(ctx, "web", "checkout", v1.UserScope("u1")), ErrNotFound)
}

func TestGormStore_OutboxInSameTransaction(t *testing.T) {
	db := openTestDB(t)
	s := NewGormStore(db, nil, WithOutbox())
	ctx := WithTraceID(context.Background(), "trace-1")

	require.NoError(t, s.PutFlag(ctx, newFlag("web", "checkout")))
	require.NoError(t, s.PutOverride(ctx, v1.OverrideEntry{Namespace: "web", Flag: "checkout", Scope: v1.GlobalScope(), Value: v1.Bool(true)}))
	require.NoError(t, s.RemoveOverride(ctx, "web", "checkout", v1.GlobalScope()))

	outbox := NewOutboxRepository(db)
	due := func() []model.OutboxTask {
		tasks, err := outbox.FetchDue(ctx, time.Now().Add(time.Second), 10)
		require.NoError(t, err)
		return tasks
	}
	tasks := due()
	require.Len(t, tasks, 3)
	assert.Equal(t, "web/checkout", tasks[0].Key)
	assert.Equal(t, "web", tasks[0].Namespace)
	assert.Equal(t, "flag", tasks[0].Kind)
	assert.Equal(t, "trace-1", tasks[0].TraceID)

	var msg v1.Message
	require.NoError(t, json.Unmarshal([]byte(tasks[2].Payload), &msg))
	assert.Equal(t, constraints.KindOverride, msg.Kind)
	assert.Equal(t, constraints.DELETE, msg.Action)

	// an invalid flag writes neither row
	bad := newFlag("web", "broken")
	bad.DefaultValue = v1.Value{}
	assert.Error(t, s.PutFlag(ctx, bad))
	assert.Len(t, due(), 3)

	require.NoError(t, outbox.MarkCompleted(ctx, tasks[0].ID))
	require.NoError(t, outbox.Retry(ctx, tasks[1].ID, 1, time.Now().Add(time.Hour), "etcd down"))
	require.NoError(t, outbox.Fail(ctx, tasks[2].ID, 5, "gave up"))
	assert.Empty(t, due())

	later, err := outbox.FetchDue(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, 1, later[0].RetryCount)
	assert.Equal(t, "etcd down", later[0].LastError)

	n, err := outbox.PurgeCompleted(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	var left int64
	require.NoError(t, db.Model(&model.OutboxTask{}).Count(&left).Error)
	assert.Equal(t, int64(2), left)
}

func TestAuditRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewAuditRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &model.FlagAudit{Namespace: "web", Key: "checkout", Action: "put"}))
	require.NoError(t, repo.Create(ctx, &model.FlagAudit{Namespace: "web", Key: "checkout", Action: "rollout_step"}))
	require.NoError(t, repo.Create(ctx, &model.FlagAudit{Namespace: "web", Key: "search", Action: "put"}))

	rows, err := repo.ListByKey(ctx, "web", "checkout")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "rollout_step", rows[0].Action)
}
