package service

import (
	"context"
	"encoding/json"
	"time"

	"rollgate/internal/model"
	"rollgate/internal/repository"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

const maxOutboxBackoff = 5 * time.Minute

// Mirror receives change messages; *repository.EtcdFlagRepository is the
// production implementation.
type Mirror interface {
	Publish(ctx context.Context, msg v1.Message) (int64, error)
}

// OutboxWorker drains the outbox into the mirror. A task that fails to
// publish is retried after interval*2^retries, and a flag's later tasks wait
// behind it so the mirror never sees versions out of order.
type OutboxWorker struct {
	outbox    repository.OutboxInterface
	mirror    Mirror
	interval  time.Duration
	batch     int
	retention time.Duration
	now       func() time.Time
}

func NewOutboxWorker(outbox repository.OutboxInterface, mirror Mirror, interval time.Duration) *OutboxWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &OutboxWorker{
		outbox:   outbox,
		mirror:   mirror,
		interval: interval,
		batch:    50,
		now:      time.Now,
	}
}

// WithRetention makes Run delete completed tasks older than d. Zero keeps them.
func (w *OutboxWorker) WithRetention(d time.Duration) *OutboxWorker {
	w.retention = d
	return w
}

func (w *OutboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	purge := time.NewTicker(max(w.retention/24, time.Minute))
	defer purge.Stop()
	logger.Info("outbox worker started", zap.Duration("interval", w.interval), zap.Duration("retention", w.retention))

	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			w.ProcessPending(ctx)
		case <-purge.C:
			w.Purge(ctx)
		}
	}
}

// ProcessPending publishes one batch of due tasks and returns how many were
// mirrored.
func (w *OutboxWorker) ProcessPending(ctx context.Context) int {
	now := w.now()
	tasks, err := w.outbox.FetchDue(ctx, now, w.batch)
	if err != nil {
		logger.Error("failed to fetch due outbox tasks", zap.Error(err))
		return 0
	}

	done := 0
	blocked := make(map[string]bool)
	for _, task := range tasks {
		if blocked[task.Key] {
			continue
		}
		log := logger.With(zap.Int64("task", task.ID), zap.String("flag", task.Key), zap.String("trace_id", task.TraceID))

		var msg v1.Message
		if err := json.Unmarshal([]byte(task.Payload), &msg); err != nil {
			log.Error("dropping undecodable outbox task", zap.Error(err))
			w.check(log, w.outbox.Fail(ctx, task.ID, task.RetryCount, err.Error()))
			continue
		}

		if _, err := w.mirror.Publish(ctx, msg); err != nil {
			blocked[task.Key] = true
			retries := task.RetryCount + 1
			if retries >= model.MaxOutboxRetries {
				log.Error("outbox task gave up", zap.Int("retries", retries), zap.Error(err))
				w.check(log, w.outbox.Fail(ctx, task.ID, retries, err.Error()))
				continue
			}
			next := now.Add(w.backoff(retries))
			log.Warn("outbox publish failed", zap.Int("retries", retries), zap.Time("next_attempt", next), zap.Error(err))
			w.check(log, w.outbox.Retry(ctx, task.ID, retries, next, err.Error()))
			continue
		}

		if w.check(log, w.outbox.MarkCompleted(ctx, task.ID)) {
			log.Debug("outbox task mirrored", zap.Int64("version", msg.Version))
			done++
		}
	}
	return done
}

// Purge deletes completed tasks past the retention.
func (w *OutboxWorker) Purge(ctx context.Context) int64 {
	if w.retention <= 0 {
		return 0
	}
	n, err := w.outbox.PurgeCompleted(ctx, w.now().Add(-w.retention))
	if err != nil {
		logger.Error("failed to purge outbox", zap.Error(err))
		return 0
	}
	if n > 0 {
		logger.Info("purged completed outbox tasks", zap.Int64("count", n))
	}
	return n
}

func (w *OutboxWorker) backoff(retries int) time.Duration {
	if retries > 30 {
		return maxOutboxBackoff
	}
	d := w.interval << retries
	if d <= 0 || d > maxOutboxBackoff {
		return maxOutboxBackoff
	}
	return d
}

func (w *OutboxWorker) check(log *zap.Logger, err error) bool {
	if err != nil {
		log.Error("failed to update outbox task", zap.Error(err))
		return false
	}
	return true
}
