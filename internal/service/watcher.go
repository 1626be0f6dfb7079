package service

import (
	"context"
	"time"

	"rollgate/internal/repository"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// WatchSource is the etcd mirror as seen by the watcher.
type WatchSource interface {
	Load(ctx context.Context) ([]*v1.FlagConfig, []v1.OverrideEntry, int64, error)
	WatchFrom(ctx context.Context, prefix string, startRev int64) clientv3.WatchChan
}

// Watcher keeps the feed in step with the etcd mirror. Every server runs one,
// so a change committed on any instance reaches all subscribers.
type Watcher struct {
	source  WatchSource
	feed    *Feed
	backoff time.Duration
}

func NewWatcher(source WatchSource, feed *Feed) *Watcher {
	return &Watcher{source: source, feed: feed, backoff: time.Second}
}

// Run loads a snapshot and follows the watch from the snapshot revision. A
// cancelled watch (e.g. after compaction) triggers a full reload.
func (w *Watcher) Run(ctx context.Context) {
	for {
		err := w.follow(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("watch interrupted, resyncing", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.backoff):
		}
	}
}

func (w *Watcher) follow(ctx context.Context) error {
	flags, overrides, rev0, err := w.source.Load(ctx)
	if err != nil {
		return err
	}
	// watch from rev0+1 so nothing between the load and the watch is lost
	w.feed.Load(flags, overrides, rev0)
	logger.Info("flag snapshot initialized", zap.Int64("rev", rev0), zap.Int("flags", len(flags)))

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchChan := w.source.WatchFrom(watchCtx, repository.RootPrefix, rev0+1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wresp, ok := <-watchChan:
			if !ok {
				return context.Canceled
			}
			if wresp.Canceled {
				return wresp.Err()
			}
			w.apply(wresp.Events)
		}
	}
}

func (w *Watcher) apply(events []*clientv3.Event) {
	for _, ev := range events {
		value := ev.Kv.Value
		if ev.Type == clientv3.EventTypeDelete {
			value = nil
		} else if value == nil {
			value = []byte{}
		}
		msg, err := repository.DecodeEvent(string(ev.Kv.Key), value, ev.Kv.ModRevision)
		if err != nil {
			logger.Warn("failed to decode watch event", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
			continue
		}
		w.feed.Apply(msg)
	}
}
