package service

import (
	"context"
	"errors"
	"time"

	"rollgate/internal/lock"
	"rollgate/internal/repository"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

const reconcileLockKey = "reconciler"

// MirrorState is a Mirror that can also be read back in full.
type MirrorState interface {
	Mirror
	Load(ctx context.Context) ([]*v1.FlagConfig, []v1.OverrideEntry, int64, error)
}

// Reconciler repairs drift between the flag store and the etcd mirror left by
// failed publishes. One instance at a time runs a round.
type Reconciler struct {
	store    repository.FlagStore
	mirror   MirrorState
	locker   lock.Locker
	interval time.Duration
}

func NewReconciler(store repository.FlagStore, mirror MirrorState, locker lock.Locker, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		mirror:   mirror,
		locker:   locker,
		interval: interval,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	logger.Info("reconciler started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lock.WithLock(ctx, r.locker, reconcileLockKey, r.interval, func(ctx context.Context) error {
				_, err := r.Reconcile(ctx)
				return err
			})
			switch {
			case errors.Is(err, lock.ErrLocked):
				logger.Debug("reconciliation skipped, another instance holds the lock")
			case err != nil:
				logger.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

type ReconcileReport struct {
	Flags            int `json:"flags"`
	FixedFlags       int `json:"fixedFlags"`
	FixedOverrides   int `json:"fixedOverrides"`
	RemovedOverrides int `json:"removedOverrides"`
	Orphans          int `json:"orphans"`
}

// Reconcile runs one round without locking.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	flags, err := r.store.ListFlags(ctx, "")
	if err != nil {
		return rep, err
	}
	overrides, err := r.store.ListOverrides(ctx, "", "")
	if err != nil {
		return rep, err
	}
	mFlags, mOverrides, _, err := r.mirror.Load(ctx)
	if err != nil {
		return rep, err
	}
	rep.Flags = len(flags)

	mirrored := make(map[string]*v1.FlagConfig, len(mFlags))
	for _, f := range mFlags {
		mirrored[cacheKey(f.Namespace, f.Key)] = f
	}
	known := make(map[string]bool, len(flags))
	for _, f := range flags {
		id := cacheKey(f.Namespace, f.Key)
		known[id] = true
		m, ok := mirrored[id]
		reason := ""
		switch {
		case !ok:
			reason = "missing_in_etcd"
		case m.Version < f.Version:
			reason = "stale_version"
		default:
			continue
		}
		logger.Warn("recon: fixing inconsistency", zap.String("key", id), zap.String("reason", reason))
		if r.publish(ctx, v1.Message{Kind: constraints.KindFlag, Namespace: f.Namespace, Key: f.Key, Version: f.Version, Action: constraints.PUT, Flag: f}) {
			rep.FixedFlags++
		}
	}
	for id := range mirrored {
		if !known[id] {
			// deletions are not mirrored, leave the key for an operator
			logger.Warn("recon: orphan flag in etcd", zap.String("key", id))
			rep.Orphans++
		}
	}

	want := make(map[string]v1.OverrideEntry, len(overrides))
	for _, o := range overrides {
		want[repository.BuildOverrideKey(o.Namespace, o.Flag, o.Scope)] = o
	}
	have := make(map[string]v1.OverrideEntry, len(mOverrides))
	for _, o := range mOverrides {
		have[repository.BuildOverrideKey(o.Namespace, o.Flag, o.Scope)] = o
	}
	for k, o := range want {
		if m, ok := have[k]; ok && m.Value.Equal(o.Value) && m.ExpiresAt == o.ExpiresAt {
			continue
		}
		entry := o
		if r.publish(ctx, v1.Message{Kind: constraints.KindOverride, Namespace: o.Namespace, Key: o.Flag, Action: constraints.PUT, Override: &entry}) {
			rep.FixedOverrides++
		}
	}
	for k, o := range have {
		if _, ok := want[k]; ok {
			continue
		}
		entry := o
		if r.publish(ctx, v1.Message{Kind: constraints.KindOverride, Namespace: o.Namespace, Key: o.Flag, Action: constraints.DELETE, Override: &entry}) {
			rep.RemovedOverrides++
		}
	}

	logger.Info("reconciliation finished",
		zap.Int("db_count", len(flags)), zap.Int("etcd_count", len(mFlags)),
		zap.Int("fixed_flags", rep.FixedFlags), zap.Int("fixed_overrides", rep.FixedOverrides), zap.Int("removed_overrides", rep.RemovedOverrides))
	return rep, nil
}

func (r *Reconciler) publish(ctx context.Context, msg v1.Message) bool {
	if _, err := r.mirror.Publish(ctx, msg); err != nil {
		logger.Error("recon: failed to fix etcd", zap.String("namespace", msg.Namespace), zap.String("key", msg.Key), zap.Error(err))
		return false
	}
	return true
}
