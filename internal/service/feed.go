package service

import (
	"context"
	"sync"

	"rollgate/internal/buffer"
	"rollgate/internal/repository"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

// Feed applies committed changes to the snapshot cache, records them for
// resuming subscribers and fans them out through the hub.
type Feed struct {
	mu     sync.Mutex
	cache  *SnapshotCache
	buffer *buffer.RevisionBuffer
	hub    *Hub
	rev    int64
}

func NewFeed(hub *Hub, bufferSize int) *Feed {
	return &Feed{
		cache:  NewSnapshotCache(),
		buffer: buffer.NewRevisionBuffer(bufferSize),
		hub:    hub,
	}
}

func (f *Feed) Cache() *SnapshotCache { return f.cache }

// Load replaces the cache with a full snapshot taken at rev.
func (f *Feed) Load(flags []*v1.FlagConfig, overrides []v1.OverrideEntry, rev int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rev > f.rev {
		f.rev = rev
	}
	f.cache.Load(flags, overrides, f.rev)
}

// Apply records msg. A zero Revision is assigned the next local revision;
// messages at or below the current revision are stale replays and dropped.
func (f *Feed) Apply(msg v1.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.Revision == 0 {
		msg.Revision = f.rev + 1
	}
	if msg.Revision <= f.rev {
		return
	}
	f.rev = msg.Revision
	f.cache.Apply(msg)
	f.buffer.AddMessage(msg)

	// published under the lock so subscribers see revisions in order
	if f.hub != nil {
		f.hub.Publish(msg)
	}
}

// Since returns the buffered changes after rev for the given namespaces.
func (f *Feed) Since(rev int64, namespaces map[string]bool) ([]v1.Message, bool) {
	return f.buffer.GetSince(rev, func(m v1.Message) bool {
		return len(namespaces) == 0 || namespaces["*"] || namespaces[m.Namespace]
	})
}

func (f *Feed) Snapshot(namespaces map[string]bool) v1.Snapshot {
	return f.cache.Snapshot(namespaces)
}

// Publisher delivers a committed change to every server's feed.
type Publisher interface {
	Publish(ctx context.Context, msg v1.Message)
}

// LocalPublisher applies changes straight to this process's feed.
type LocalPublisher struct {
	Feed *Feed
}

func (p LocalPublisher) Publish(_ context.Context, msg v1.Message) {
	p.Feed.Apply(msg)
}

// EtcdPublisher mirrors changes to etcd; every instance's Watcher feeds them
// back. A failed publish is left to the outbox worker and the reconciler.
type EtcdPublisher struct {
	Repo *repository.EtcdFlagRepository
}

func (p EtcdPublisher) Publish(ctx context.Context, msg v1.Message) {
	if _, err := p.Repo.Publish(context.WithoutCancel(ctx), msg); err != nil {
		logger.Warn("failed to publish change to etcd", zap.String("namespace", msg.Namespace), zap.String("key", msg.Key), zap.Error(err))
	}
}
