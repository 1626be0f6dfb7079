package service

import (
	"context"
	"time"

	"rollgate/internal/metrics"
	"rollgate/internal/privacy"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

// MaintenanceWorker periodically rotates and compacts the NDJSON logs.
type MaintenanceWorker struct {
	compactor *privacy.Compactor
	targets   []privacy.Target
	rotate    privacy.RotateOptions
	interval  time.Duration
	observer  metrics.EngineObserver
	now       func() time.Time
}

func NewMaintenanceWorker(compactor *privacy.Compactor, targets []privacy.Target, rotate privacy.RotateOptions, interval time.Duration, observer metrics.EngineObserver) *MaintenanceWorker {
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &MaintenanceWorker{
		compactor: compactor,
		targets:   targets,
		rotate:    rotate,
		interval:  interval,
		observer:  observer,
		now:       time.Now,
	}
}

func (w *MaintenanceWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	logger.Info("maintenance worker started", zap.Duration("interval", w.interval), zap.Int("targets", len(w.targets)))

	for {
		select {
		case <-ctx.Done():
			logger.Info("maintenance worker stopped")
			return
		case <-ticker.C:
			_, _ = w.RunOnce(ctx)
		}
	}
}

// RunOnce rotates then compacts every target.
func (w *MaintenanceWorker) RunOnce(ctx context.Context) ([]privacy.TargetReport, error) {
	opts := w.rotate
	opts.Now = w.now()
	reports, err := w.compactor.Maintain(ctx, w.targets, opts)
	for _, r := range reports {
		w.observer.ObservePurge(r.Target, r.Compact.Dropped())
		logger.Info("log maintenance finished",
			zap.String("target", r.Target),
			zap.Bool("rotated", r.Rotate.Rotated),
			zap.Int("merged", len(r.Compact.Merged)),
			zap.Int("expired", len(r.Compact.Expired)),
			zap.Int("dropped", r.Compact.Dropped()))
	}
	return reports, err
}
