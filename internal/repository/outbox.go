package repository

import (
	"context"
	"time"

	"rollgate/internal/model"

	"gorm.io/gorm"
)

type contextKey string

// TraceIDKey is the context key the trace middleware stores the request id under.
const TraceIDKey contextKey = "TraceID"

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func TraceIDFrom(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

type OutboxInterface interface {
	Create(ctx context.Context, task *model.OutboxTask) error
	// FetchDue returns pending tasks whose next attempt is at or before now,
	// oldest first.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]model.OutboxTask, error)
	MarkCompleted(ctx context.Context, id int64) error
	// Retry keeps the task pending until next; Fail parks it for good.
	Retry(ctx context.Context, id int64, retries int, next time.Time, cause string) error
	Fail(ctx context.Context, id int64, retries int, cause string) error
	// PurgeCompleted deletes completed tasks last updated before cutoff.
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error)
	WithTx(tx *gorm.DB) OutboxInterface
}

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, task *model.OutboxTask) error {
	if task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *OutboxRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]model.OutboxTask, error) {
	var tasks []model.OutboxTask
	// oldest first, so a flag's versions are mirrored in order
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", model.StatusPending, now).
		Order("id ASC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

func (r *OutboxRepository) MarkCompleted(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]any{"status": model.StatusCompleted, "last_error": ""})
}

func (r *OutboxRepository) Retry(ctx context.Context, id int64, retries int, next time.Time, cause string) error {
	return r.update(ctx, id, map[string]any{
		"retry_count":     retries,
		"next_attempt_at": next,
		"last_error":      truncate(cause, 512),
	})
}

func (r *OutboxRepository) Fail(ctx context.Context, id int64, retries int, cause string) error {
	return r.update(ctx, id, map[string]any{
		"status":      model.StatusFailed,
		"retry_count": retries,
		"last_error":  truncate(cause, 512),
	})
}

func (r *OutboxRepository) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.StatusCompleted, cutoff).
		Delete(&model.OutboxTask{})
	return res.RowsAffected, res.Error
}

func (r *OutboxRepository) update(ctx context.Context, id int64, cols map[string]any) error {
	return r.db.WithContext(ctx).Model(&model.OutboxTask{}).Where("id = ?", id).Updates(cols).Error
}

func (r *OutboxRepository) WithTx(tx *gorm.DB) OutboxInterface {
	return &OutboxRepository{db: tx}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
